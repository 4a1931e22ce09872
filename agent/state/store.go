package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrRecordNotFound = errors.New("run record not found")
	ErrNilRunRecord   = errors.New("run record is nil")
	ErrInvalidRunID   = errors.New("run id is empty")
)

const (
	defaultStoreKeyPrefix   = "copilot:run:"
	defaultSessionKeyPrefix = "copilot:session:"
	defaultStoreTTL         = 7 * 24 * time.Hour
	defaultSessionHistory   = 50
	maxResponseSizeBytes    = 2 << 20
)

// Store persists run records for later lookup by run id.
type Store interface {
	Load(ctx context.Context, runID string) (*RunRecord, error)
	Save(ctx context.Context, rec *RunRecord) error
	Delete(ctx context.Context, runID string) error
	RecentRuns(ctx context.Context, sessionID string, limit int) ([]string, error)
}

var _ Store = (*UpstashRedisStore)(nil)

// StoreOption customizes UpstashRedisStore.
type StoreOption func(*UpstashRedisStore)

func WithKeyPrefix(prefix string) StoreOption {
	return func(s *UpstashRedisStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) StoreOption {
	return func(s *UpstashRedisStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *UpstashRedisStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// UpstashRedisStore persists RunRecord values in Upstash Redis via REST and
// keeps a capped, newest-first list of run ids per session.
type UpstashRedisStore struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	keyPrefix      string
	sessionPrefix  string
	ttl            time.Duration
	sessionHistory int
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL            string        `envconfig:"URL" split_words:"true" required:"true"`
	Token          string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout        time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	TTL            time.Duration `envconfig:"TTL" split_words:"true" default:"168h"`
	SessionHistory int           `envconfig:"SESSION_HISTORY" split_words:"true" default:"50"`
}

func NewUpstashRedisStore(cfg UpstashRedisConfig, opts ...StoreOption) (*UpstashRedisStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultStoreTTL
	}
	history := cfg.SessionHistory
	if history <= 0 {
		history = defaultSessionHistory
	}

	store := &UpstashRedisStore{
		baseURL:        baseURL,
		token:          token,
		httpClient:     &http.Client{Timeout: timeout},
		keyPrefix:      defaultStoreKeyPrefix,
		sessionPrefix:  defaultSessionKeyPrefix,
		ttl:            ttl,
		sessionHistory: history,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return store, nil
}

func (s *UpstashRedisStore) Load(ctx context.Context, runID string) (*RunRecord, error) {
	key, err := s.redisKey(runID)
	if err != nil {
		return nil, err
	}

	resp, err := s.exec(ctx, []any{"GET", key})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrRecordNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode run payload: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run record loaded from store: %w", err)
	}

	return &rec, nil
}

// Save writes the record and, when it has a session, prepends its id to the
// session index in the same pipeline.
func (s *UpstashRedisStore) Save(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return ErrNilRunRecord
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	} else {
		rec.FinishedAt = rec.FinishedAt.UTC()
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	key, err := s.redisKey(rec.RunID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	set := []any{"SET", key, string(payload)}
	if s.ttl > 0 {
		set = append(set, "EX", ttlSeconds(s.ttl))
	}
	commands := [][]any{set}

	if sessionID := strings.TrimSpace(rec.SessionID); sessionID != "" {
		sessionKey := s.sessionKey(sessionID)
		commands = append(commands,
			[]any{"LPUSH", sessionKey, rec.RunID},
			[]any{"LTRIM", sessionKey, 0, s.sessionHistory - 1},
		)
		if s.ttl > 0 {
			commands = append(commands, []any{"EXPIRE", sessionKey, ttlSeconds(s.ttl)})
		}
	}

	_, err = s.pipeline(ctx, commands)
	return err
}

func (s *UpstashRedisStore) Delete(ctx context.Context, runID string) error {
	key, err := s.redisKey(runID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, []any{"DEL", key})
	return err
}

// RecentRuns returns up to limit run ids for the session, newest first.
func (s *UpstashRedisStore) RecentRuns(ctx context.Context, sessionID string, limit int) ([]string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is empty")
	}
	if limit <= 0 || limit > s.sessionHistory {
		limit = s.sessionHistory
	}

	resp, err := s.exec(ctx, []any{"LRANGE", s.sessionKey(sessionID), 0, limit - 1})
	if err != nil {
		return nil, err
	}

	var ids []string
	if result := bytes.TrimSpace(resp.Result); len(result) > 0 && !bytes.Equal(result, []byte("null")) {
		if err := json.Unmarshal(result, &ids); err != nil {
			return nil, fmt.Errorf("decode session runs: %w", err)
		}
	}
	return ids, nil
}

func (s *UpstashRedisStore) redisKey(runID string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", ErrInvalidRunID
	}
	prefix := strings.TrimSpace(s.keyPrefix)
	if prefix == "" {
		prefix = defaultStoreKeyPrefix
	}
	return prefix + runID, nil
}

func (s *UpstashRedisStore) sessionKey(sessionID string) string {
	prefix := strings.TrimSpace(s.sessionPrefix)
	if prefix == "" {
		prefix = defaultSessionKeyPrefix
	}
	return prefix + sessionID
}

func (s *UpstashRedisStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	var parsed redisRESTResponse
	if err := s.post(ctx, s.baseURL, command, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

// pipeline sends commands through the REST /pipeline endpoint. The first
// failed command's error is returned.
func (s *UpstashRedisStore) pipeline(ctx context.Context, commands [][]any) ([]redisRESTResponse, error) {
	if len(commands) == 0 {
		return nil, errors.New("empty redis pipeline")
	}

	var parsed []redisRESTResponse
	if err := s.post(ctx, s.baseURL+"/pipeline", commands, &parsed); err != nil {
		return nil, err
	}
	if len(parsed) != len(commands) {
		return nil, fmt.Errorf("redis pipeline returned %d results for %d commands", len(parsed), len(commands))
	}
	for i, r := range parsed {
		if r.Error != "" {
			return nil, fmt.Errorf("redis pipeline command %d (%v): %s", i, commands[i][0], r.Error)
		}
	}
	return parsed, nil
}

func (s *UpstashRedisStore) post(ctx context.Context, endpoint string, payload any, out any) error {
	if s == nil {
		return errors.New("nil store")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode redis response: %w", err)
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
