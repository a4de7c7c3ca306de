// Package requestlog publishes post-response RequestLog records to Kafka
// through a bounded, best-effort async queue: a single background writer
// goroutine drains a buffered channel, dropping on overflow rather than
// blocking the request path.
package requestlog

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/bankotij/Heliox-Proxy/internal/model"
)

type Config struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	ClientID     string
	Acks         string
	Compression  string
	WriteTimeout time.Duration
	BatchBytes   int64
	BatchTimeout time.Duration
	SASL         struct {
		Enabled   bool
		Mechanism string
		Username  string
		Password  string
	}
	TLS struct {
		Enabled            bool
		InsecureSkipVerify bool
	}
}

// Publisher accepts RequestLog records for best-effort delivery.
type Publisher interface {
	Publish(entry model.RequestLog)
	// Dropped reports the running count of log entries discarded because
	// the bounded queue was full.
	Dropped() int64
	Close() error
}

type noop struct{}

func (noop) Publish(model.RequestLog) {}
func (noop) Dropped() int64           { return 0 }
func (noop) Close() error             { return nil }
func Noop() Publisher                 { return noop{} }

type publisher struct {
	cfg     Config
	w       *kafka.Writer
	ch      chan model.RequestLog
	wg      sync.WaitGroup
	closed  chan struct{}
	dropped int64
}

func New(cfg Config) (Publisher, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("requestlog: brokers empty")
	}
	if cfg.Topic == "" {
		return nil, errors.New("requestlog: topic empty")
	}

	tr := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		ClientID:    cfg.ClientID,
	}
	if cfg.TLS.Enabled {
		tr.TLS = &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}
	}
	if cfg.SASL.Enabled {
		switch cfg.SASL.Mechanism {
		case "PLAIN":
			tr.SASL = plain.Mechanism{Username: cfg.SASL.Username, Password: cfg.SASL.Password}
		case "SCRAM-SHA-256":
			mech, _ := scram.Mechanism(scram.SHA256, cfg.SASL.Username, cfg.SASL.Password)
			tr.SASL = mech
		case "SCRAM-SHA-512":
			mech, _ := scram.Mechanism(scram.SHA512, cfg.SASL.Username, cfg.SASL.Password)
			tr.SASL = mech
		}
	}

	requiredAcks := kafka.RequireOne
	switch cfg.Acks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "all":
		requiredAcks = kafka.RequireAll
	}

	var comp kafka.Compression
	switch cfg.Compression {
	case "gzip":
		comp = kafka.Gzip
	case "lz4":
		comp = kafka.Lz4
	case "zstd":
		comp = kafka.Zstd
	default:
		comp = kafka.Snappy
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: requiredAcks,
		Compression:  comp,
		BatchBytes:   cfg.BatchBytes,
		BatchTimeout: cfg.BatchTimeout,
		Async:        false,
		Transport:    tr,
	}

	p := &publisher{
		cfg:    cfg,
		w:      w,
		ch:     make(chan model.RequestLog, 1000),
		closed: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

func (p *publisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case entry, ok := <-p.ch:
			if !ok {
				return
			}
			buf, err := json.Marshal(entry)
			if err != nil {
				log.Printf("requestlog: marshal failed: %v", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
			err = p.w.WriteMessages(ctx, kafka.Message{
				Key:   []byte(entry.RequestID),
				Value: buf,
			})
			cancel()
			if err != nil {
				log.Printf("requestlog: write failed: %v", err)
			}
		case <-p.closed:
			return
		}
	}
}

// Publish enqueues entry for the background writer. When the queue is
// full, the oldest queued entry is evicted to make room rather than
// dropping the new one, so the log sink always reflects the most recent
// traffic.
func (p *publisher) Publish(entry model.RequestLog) {
	select {
	case p.ch <- entry:
		return
	default:
	}

	select {
	case <-p.ch:
		atomic.AddInt64(&p.dropped, 1)
	default:
	}

	select {
	case p.ch <- entry:
	default:
		atomic.AddInt64(&p.dropped, 1)
		log.Printf("requestlog: buffer full, dropping request log for %s", entry.RequestID)
	}
}

func (p *publisher) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }

func (p *publisher) Close() error {
	close(p.closed)
	close(p.ch)
	p.wg.Wait()
	return p.w.Close()
}
