// Package sns is a notify.Handler backed by Amazon SNS direct-to-device
// publishing, the aws-sdk-go counterpart to the fcm backend. Grounded on
// the same push.Handler shape as fcm: Init from a config slice, a
// buffered channel, one drain goroutine.
package sns

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"

	"github.com/replikit/chatcluster/internal/notify"
)

type configuration struct {
	Enabled  bool   `json:"enabled"`
	Region   string `json:"region"`
	Platform string `json:"platform_application_arn"`
	Buffer   int    `json:"buffer"`
}

// Handler implements notify.Handler against the SNS CreatePlatformEndpoint
// + Publish flow.
type Handler struct {
	mu       sync.Mutex
	client   *sns.SNS
	platform string
	input    chan *notify.Receipt
	ready    bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

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
	if cfg.Platform == "" {
		return errors.New("sns: platform_application_arn is required when enabled")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.client = sns.New(sess)
	h.platform = cfg.Platform
	h.input = make(chan *notify.Receipt, cfg.Buffer)
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
	endpoint, err := h.client.CreatePlatformEndpoint(&sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(h.platform),
		Token:                  aws.String(r.DeviceToken),
	})
	if err != nil {
		log.Printf("sns: register endpoint for %s failed: %v", r.Username, err)
		return
	}

	message := r.Sender + ": " + r.Preview
	_, err = h.client.Publish(&sns.PublishInput{
		TargetArn: endpoint.EndpointArn,
		Message:   aws.String(message),
	})
	if err != nil {
		log.Printf("sns: push to %s failed: %v", r.Username, err)
	}
}
