package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/store"
)

const (
	// StreamName is the JetStream stream holding inbound turns.
	StreamName = "PPS_TURNS"
	// subjectRoot is the subject space adapters publish into. The suffix
	// after the prefix becomes the default channel.
	subjectRoot   = "pps.turns.>"
	subjectPrefix = "pps.turns."

	deadLetterStream  = "pps_turns_dead"
	deadLetterRoot    = "pps_turns_dead.>"
	deadLetterPrefix  = "pps_turns_dead."
	defaultDurable    = "pps-intake"
	intakeMaxRetries  = 3
	intakeBaseDelay   = 1 * time.Second
	intakeMaxDelay    = 30 * time.Second
	intakeStoreBudget = 10 * time.Second
)

// Intake consumes turns from NATS JetStream and stores them through the
// capture service. Failed stores retry with backoff, then dead-letter.
type Intake struct {
	svc    *Service
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger *zap.Logger

	mu      sync.Mutex
	retries map[string]int
}

// turnPayload mirrors the store_message RPC arguments.
type turnPayload struct {
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	Channel    string `json:"channel"`
	IsOwn      bool   `json:"is_own_utterance"`
	SessionID  string `json:"session_id"`
	ExternalID string `json:"external_id"`
}

// StartIntake connects to NATS, ensures the turn and dead-letter streams,
// and starts a durable manual-ack subscription.
func StartIntake(svc *Service, url, durable string, logger *zap.Logger) (*Intake, error) {
	if durable == "" {
		durable = defaultDurable
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("capture: connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("capture: jetstream context: %w", err)
	}

	if err := ensureStream(js, StreamName, subjectRoot, 0); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ensureStream(js, deadLetterStream, deadLetterRoot, 7*24*time.Hour); err != nil {
		conn.Close()
		return nil, err
	}

	in := &Intake{
		svc:     svc,
		conn:    conn,
		js:      js,
		logger:  logger,
		retries: make(map[string]int),
	}

	sub, err := js.Subscribe(subjectRoot, in.handle, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("capture: subscribe %s: %w", subjectRoot, err)
	}
	in.sub = sub

	logger.Info("NATS intake active",
		zap.String("stream", StreamName),
		zap.String("durable", durable))
	return in, nil
}

func ensureStream(js nats.JetStreamContext, name, subjects string, maxAge time.Duration) error {
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if maxAge > 0 {
		cfg.MaxAge = maxAge
	}
	if _, err := js.AddStream(cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("capture: ensure stream %s: %w", name, err)
	}
	return nil
}

func (in *Intake) handle(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("Panic in intake callback",
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), intakeStoreBudget)
	defer cancel()

	input, err := parsePayload(msg.Subject, msg.Data)
	if err == nil {
		_, _, err = in.svc.Store(ctx, input)
	}
	if err == nil {
		in.clearRetry(msgID(msg))
		msg.Ack()
		return
	}

	id := msgID(msg)
	attempt := in.attempt(msg, id)
	in.logger.Error("Failed to store intake turn",
		zap.Error(err),
		zap.String("subject", msg.Subject),
		zap.Int("retry_attempt", attempt))

	if attempt < intakeMaxRetries {
		msg.NakWithDelay(backoffDelay(attempt))
		return
	}

	// Out of attempts. Park the payload with its error and move on.
	dead := nats.NewMsg(deadLetterPrefix + msg.Subject)
	dead.Header.Set("Original-Subject", msg.Subject)
	dead.Header.Set("Error", err.Error())
	dead.Header.Set("Retry-Count", fmt.Sprintf("%d", attempt))
	dead.Header.Set("Failed-At", time.Now().UTC().Format(time.RFC3339))
	dead.Data = msg.Data
	if _, pubErr := in.js.PublishMsg(dead); pubErr != nil {
		in.logger.Error("Failed to publish dead letter", zap.Error(pubErr))
	}

	in.clearRetry(id)
	msg.Ack()
}

// parsePayload decodes a turn payload, defaulting the channel from the
// subject suffix when the payload leaves it empty.
func parsePayload(subject string, data []byte) (store.TurnInput, error) {
	var p turnPayload
	if err := jsonx.Unmarshal(data, &p); err != nil {
		return store.TurnInput{}, fmt.Errorf("capture: decode intake payload: %w", err)
	}
	if p.Channel == "" {
		p.Channel = strings.TrimPrefix(subject, subjectPrefix)
	}
	return store.TurnInput{
		Content:    p.Content,
		AuthorName: p.AuthorName,
		Channel:    p.Channel,
		IsOwn:      p.IsOwn,
		SessionID:  p.SessionID,
		ExternalID: p.ExternalID,
	}, nil
}

// backoffDelay doubles per attempt from the base, capped.
func backoffDelay(attempt int) time.Duration {
	delay := intakeBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > intakeMaxDelay {
		delay = intakeMaxDelay
	}
	return delay
}

func msgID(msg *nats.Msg) string {
	if id := msg.Header.Get("Nats-Msg-Id"); id != "" {
		return id
	}
	return fmt.Sprintf("%s_%d", msg.Subject, time.Now().UnixNano())
}

// attempt reads the delivery count from JetStream metadata, which stays
// stable across redeliveries. The local map only covers messages without
// metadata.
func (in *Intake) attempt(msg *nats.Msg, id string) int {
	if md, err := msg.Metadata(); err == nil {
		return int(md.NumDelivered)
	}
	return in.bumpRetry(id)
}

func (in *Intake) bumpRetry(id string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.retries[id]++
	return in.retries[id]
}

func (in *Intake) clearRetry(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.retries, id)
}

// Close drains the subscription and closes the connection.
func (in *Intake) Close() {
	if in.sub != nil {
		in.sub.Unsubscribe()
	}
	if in.conn != nil {
		in.conn.Close()
	}
}
