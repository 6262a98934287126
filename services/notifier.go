package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stampcard-backend/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	EventEnrollmentJoined      = "enrollment.joined"
	EventStampIssued           = "stamp.issued"
	EventStampRevoked          = "stamp.revoked"
	EventRewardReached         = "reward.reached"
	EventRewardRedeemed        = "reward.redeemed"
	EventRewardExpired         = "reward.expired"
	EventRewardRedeemRequested = "reward.redeem_requested"
)

type Event struct {
	Type         string                 `json:"type"`
	EnrollmentID uuid.UUID              `json:"enrollment_id"`
	CustomerID   uuid.UUID              `json:"customer_id"`
	MerchantID   uuid.UUID              `json:"merchant_id"`
	ProgramID    uuid.UUID              `json:"program_id"`
	Data         map[string]interface{} `json:"data,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier only writes events to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event Event) error {
	log.WithFields(log.Fields{
		"event":         event.Type,
		"enrollment_id": event.EnrollmentID,
		"customer_id":   event.CustomerID,
		"merchant_id":   event.MerchantID,
	}).Info("loyalty event")
	return nil
}

const (
	webhookAttempts        = 3
	webhookWorkers         = 4
	webhookQueueSize       = 256
	WebhookSignatureHeader = "X-Stampcard-Signature"
)

var (
	ErrWebhookQueueFull      = errors.New("webhook queue is full")
	ErrWebhookNotifierClosed = errors.New("webhook notifier is closed")
)

// WebhookNotifier POSTs each event as JSON. A fixed set of workers drains a
// bounded queue with a few retries on transport errors and 5xx answers;
// anything still failing is logged and dropped. Close drains the queue.
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	Secret  []byte
	Backoff time.Duration

	queue  chan webhookJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

type webhookJob struct {
	event string
	body  []byte
}

func NewWebhookNotifier(url string, secret []byte) *WebhookNotifier {
	return newWebhookNotifier(url, secret, webhookWorkers, webhookQueueSize)
}

func newWebhookNotifier(url string, secret []byte, workers, queueSize int) *WebhookNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		URL:     url,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Secret:  secret,
		Backoff: time.Second,
		queue:   make(chan webhookJob, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	n.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go n.work()
	}
	return n
}

func (n *WebhookNotifier) work() {
	defer n.wg.Done()
	for job := range n.queue {
		if err := n.send(n.ctx, job.body); err != nil {
			log.WithError(err).WithField("event", job.event).Warn("webhook delivery failed")
		}
	}
}

// Notify never blocks; a full queue drops the event.
func (n *WebhookNotifier) Notify(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrWebhookNotifierClosed
	}
	select {
	case n.queue <- webhookJob{event: event.Type, body: body}:
		return nil
	default:
		return ErrWebhookQueueFull
	}
}

// Close stops accepting events and waits for queued deliveries. When ctx
// ends first, in-flight requests are cancelled and the rest are dropped.
func (n *WebhookNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		return ctx.Err()
	}
}

type webhookStatusError struct{ status int }

func (e *webhookStatusError) Error() string { return fmt.Sprintf("webhook returned %d", e.status) }

func (n *WebhookNotifier) send(ctx context.Context, body []byte) error {
	for attempt := 1; ; attempt++ {
		err := n.deliver(ctx, body)
		if err == nil {
			return nil
		}
		var se *webhookStatusError
		if attempt == webhookAttempts || (errors.As(err, &se) && se.status < 500) {
			return err
		}
		select {
		case <-time.After(n.Backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sign returns the signature header value for body: "sha256=" plus the hex
// HMAC of the raw body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (n *WebhookNotifier) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.Secret) > 0 {
		req.Header.Set(WebhookSignatureHeader, Sign(n.Secret, body))
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &webhookStatusError{status: resp.StatusCode}
	}
	return nil
}

// Dispatcher stamps events with the time and hands them to the notifier.
// Notification failures never reach the caller.
type Dispatcher struct {
	notifier Notifier
	clock    utils.Clock
}

func NewDispatcher(notifier Notifier, clock utils.Clock) *Dispatcher {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Dispatcher{notifier: notifier, clock: clock}
}

func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	event.OccurredAt = d.clock.Now()
	if err := d.notifier.Notify(ctx, event); err != nil {
		log.WithError(err).WithField("event", event.Type).Warn("notification failed")
	}
}
