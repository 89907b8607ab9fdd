// Package events 把短網址生命週期事件發佈到 NATS JetStream
//
// 主題：
//
//	shortlink.created   建立成功
//	shortlink.deleted   刪除成功
//	shortlink.clicked   一次成功的重定向（由點擊聚合器發出）
//
// 事件只是通知，持久層仍是真相來源；發佈失敗不影響主流程。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/shortlink/internal/shortener"
)

// Config NATS 連線與 Stream 設定
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	// Storage "file" 或 "memory"
	Storage string
	// MaxPending 非同步發佈的在途上限
	MaxPending int
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "SHORTLINK"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "shortlink"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
}

// Publisher JetStream 事件發佈器，實現 shortener.Publisher
//
// 建立與刪除事件同步發佈（等待 PubAck），並帶 Msg-Id 讓 JetStream 去重；
// 點擊事件量大，用 PublishAsync 不等待確認。
type Publisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// Connect 連線並確保 Stream 存在
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	cfg.setDefaults()

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("shortlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(cfg.MaxPending))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &Publisher{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: logger.With("component", "events"),
	}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// ensureStream 不存在則建立，存在則更新設定
func (p *Publisher) ensureStream() error {
	storage := nats.FileStorage
	if p.cfg.Storage == "memory" {
		storage = nats.MemoryStorage
	}

	cfg := &nats.StreamConfig{
		Name:       p.cfg.Stream,
		Subjects:   []string{p.cfg.SubjectPrefix + ".>"},
		Storage:    storage,
		MaxAge:     p.cfg.MaxAge,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}

	_, err := p.js.StreamInfo(p.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info: %w", err)
	}

	if _, err := p.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

const clickStallWait = 50 * time.Millisecond

// Subject 事件對應的主題
func (p *Publisher) Subject(kind shortener.EventKind) string {
	return p.cfg.SubjectPrefix + "." + string(kind)
}

// Publish 實現 shortener.Publisher
func (p *Publisher) Publish(ctx context.Context, event shortener.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event.Kind))
	msg.Data = data

	if event.Kind == shortener.EventClicked {
		// 在途確認達到上限時最多等 clickStallWait，之後回傳錯誤而不是一直卡住
		if _, err := p.js.PublishMsgAsync(msg, nats.StallWait(clickStallWait)); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
		return nil
	}

	// 同一短碼同一秒的同類事件只保留一份（重試不會重複）
	msg.Header.Set(nats.MsgIdHdr, string(event.Kind)+":"+event.Code+":"+strconv.FormatInt(event.At.Unix(), 10))
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close 等待在途的非同步發佈完成後排空連線
func (p *Publisher) Close(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-ctx.Done():
		p.logger.Warn("closing with pending async publishes", "pending", p.js.PublishAsyncPending())
	}
	return p.conn.Drain()
}
