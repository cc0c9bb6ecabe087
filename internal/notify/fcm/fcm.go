// Package fcm is a notify.Handler backed by Firebase Cloud Messaging,
// grounded on the teacher's server/push/fcm package: a firebase.App built
// from service-account JSON, an oauth2-scoped client underneath, and a
// buffered input channel drained by one worker goroutine so a slow or
// down FCM endpoint never blocks the caller queuing the push.
package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"github.com/replikit/chatcluster/internal/notify"
)

type configuration struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file"`
	Buffer          int    `json:"buffer"`
	Timeout         int    `json:"timeout_seconds"`
}

// Handler implements notify.Handler against FCM's HTTP v1 API.
type Handler struct {
	mu      sync.Mutex
	client  *messaging.Client
	input   chan *notify.Receipt
	ready   bool
	timeout time.Duration
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Init parses jsonconf and, if enabled, opens a messaging.Client and
// starts the send loop.
func (h *Handler) Init(jsonconf string) error {
	var cfg configuration
	if jsonconf != "" {
		if err := json.Unmarshal([]byte(jsonconf), &cfg); err != nil {
			return err
		}
	}
	if !cfg.Enabled {
		return nil
	}
	if cfg.CredentialsFile == "" {
		return errors.New("fcm: credentials_file is required when enabled")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5
	}

	app, err := firebase.NewApp(context.Background(), nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return err
	}
	client, err := app.Messaging(context.Background())
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.client = client
	h.input = make(chan *notify.Receipt, cfg.Buffer)
	h.timeout = time.Duration(cfg.Timeout) * time.Second
	h.stop = make(chan struct{})
	h.ready = true
	h.mu.Unlock()

	h.wg.Add(1)
	go h.loop()
	return nil
}

func (h *Handler) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *Handler) Push() chan<- *notify.Receipt { return h.input }

func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.ready {
		h.mu.Unlock()
		return
	}
	h.ready = false
	close(h.stop)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Handler) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stop:
			return
		case r := <-h.input:
			h.send(r)
		}
	}
}

func (h *Handler) send(r *notify.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	msg := &messaging.Message{
		Token: r.DeviceToken,
		Notification: &messaging.Notification{
			Title: r.Sender,
			Body:  r.Preview,
		},
		Data: map[string]string{
			"sender": r.Sender,
		},
	}
	if _, err := h.client.Send(ctx, msg); err != nil {
		log.Printf("fcm: push to %s failed: %v", r.Username, err)
	}
}
