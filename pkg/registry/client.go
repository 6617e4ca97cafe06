package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Announcer registers a worker with the gateway and keeps its heartbeat fresh.
// A heartbeat answered with 404 (the gateway restarted) triggers re-registration.
type Announcer struct {
	baseURL  string
	secret   string
	info     AgentInfo
	interval time.Duration
	client   *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnnouncer creates an announcer for info against the gateway at baseURL.
func NewAnnouncer(baseURL, secret string, info AgentInfo, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = DefaultStalenessThreshold / 3
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Announcer{
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   secret,
		info:     info,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register announces the agent once
func (a *Announcer) Register(ctx context.Context) error {
	body, err := json.Marshal(a.info)
	if err != nil {
		return fmt.Errorf("failed to encode agent info: %w", err)
	}
	status, err := a.post(ctx, "/agents/register", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("registration rejected with status %d", status)
	}
	return nil
}

// Heartbeat sends one heartbeat, re-registering when the gateway forgot us.
func (a *Announcer) Heartbeat(ctx context.Context) error {
	status, err := a.post(ctx, "/agents/"+a.info.ID+"/heartbeat", nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		log.Info().Str("agentId", a.info.ID).Msg("Gateway lost registration, re-registering")
		return a.Register(ctx)
	default:
		return fmt.Errorf("heartbeat rejected with status %d", status)
	}
}

// Start registers in the background and heartbeats every interval
func (a *Announcer) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop ends the heartbeat loop
func (a *Announcer) Stop() {
	a.cancel()
	a.wg.Wait()
}

func (a *Announcer) loop() {
	defer a.wg.Done()

	if err := a.Register(a.ctx); err != nil {
		log.Warn().Err(err).Str("agentId", a.info.ID).Msg("Initial registration failed")
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.Heartbeat(a.ctx); err != nil {
				log.Warn().Err(err).Str("agentId", a.info.ID).Msg("Heartbeat failed")
			}
		}
	}
}

func (a *Announcer) post(ctx context.Context, path string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set(SecretHeader, a.secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
