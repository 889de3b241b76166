package steam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/cache"
	"github.com/goodtune/restatus/internal/upstream"
)

const (
	statusCacheKey = "status"
	statusCacheTTL = 60 * time.Second
)

// Error codes returned by /api/status/steam.
const (
	CodeNotConfigured    = "NOT_CONFIGURED"
	CodeInvalidSteamID   = "INVALID_STEAM_ID"
	CodeAPIRequestFailed = "API_REQUEST_FAILED"
	CodeNoData           = "NO_DATA"
)

// Error is a poll outcome with its dashboard error code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Poller refreshes the Steam status on a fixed interval into a one-entry
// cache. Readers get the cached poll while it is fresh; once it expires a
// read refreshes inline and degrades to the stale copy on failure.
type Poller struct {
	client   *Client
	steamID  string
	interval time.Duration
	clock    cache.Clock
	cache    *cache.Cache[*Snapshot]
	logger   zerolog.Logger

	mu      sync.RWMutex
	fetched bool
	lastErr error

	refreshing atomic.Bool
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewPoller creates a poller for steamID (SteamID64 or STEAM_X:Y:Z).
func NewPoller(client *Client, steamID string, interval time.Duration, clock cache.Clock, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = cache.RealClock{}
	}
	return &Poller{
		client:   client,
		steamID:  steamID,
		interval: interval,
		clock:    clock,
		cache:    cache.MustNew[*Snapshot]("steam_status", 1, statusCacheTTL, clock),
		logger:   logger.With().Str("component", "steam-poller").Logger(),
	}
}

// Start refreshes immediately and then every interval until Stop.
func (p *Poller) Start() {
	if _, err := p.steamID64(); err != nil {
		p.logger.Warn().Err(err).Msg("Steam poller disabled")
		return
	}

	p.stopChan = make(chan struct{})
	p.doneChan = make(chan struct{})
	go p.run()

	p.logger.Info().Dur("interval", p.interval).Msg("Steam poller started")
}

// Stop halts the poller.
func (p *Poller) Stop() {
	if p.stopChan == nil {
		return
	}
	close(p.stopChan)
	<-p.doneChan
	p.logger.Info().Msg("Steam poller stopped")
}

func (p *Poller) run() {
	defer close(p.doneChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.Refresh(ctx, "startup")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Refresh(ctx, "scheduled")
		case <-p.stopChan:
			return
		}
	}
}

func (p *Poller) steamID64() (string, error) {
	if p.steamID == "" {
		return "", &Error{Code: CodeNotConfigured, Message: "steam id not configured"}
	}
	id, err := ToSteamID64(p.steamID)
	if err != nil {
		return "", &Error{Code: CodeInvalidSteamID, Message: "steam id format is invalid", Err: err}
	}
	return id, nil
}

// Refresh polls once. A failed poll is recorded but the previous
// successful snapshot stays in place.
func (p *Poller) Refresh(ctx context.Context, reason string) {
	snap, err := p.fetch(ctx)

	if err == nil {
		p.cache.Set(statusCacheKey, snap)
	}

	p.mu.Lock()
	if err == nil {
		p.fetched = true
		p.lastErr = nil
	} else {
		p.lastErr = err
	}
	hasStale := p.fetched
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("reason", reason).
			Bool("serving_stale", hasStale).
			Msg("Steam refresh failed")
		return
	}
	p.logger.Debug().
		Str("reason", reason).
		Str("status", snap.APIData.Status).
		Msg("Steam status refreshed")
}

func (p *Poller) fetch(ctx context.Context) (*Snapshot, error) {
	id, err := p.steamID64()
	if err != nil {
		return nil, err
	}

	var status Status
	if p.client.HasAPIKey() {
		status, err = p.fetchAPI(ctx, id)
	} else {
		status, err = p.fetchCommunity(ctx, id)
	}
	if err != nil {
		return nil, &Error{Code: CodeAPIRequestFailed, Message: "steam request failed", Err: err}
	}

	return &Snapshot{
		Data:      status.Legacy(),
		APIData:   status,
		Timestamp: p.clock.Now(),
	}, nil
}

// fetchAPI issues the three Web API calls concurrently. Only the player
// summary is required.
func (p *Poller) fetchAPI(ctx context.Context, id string) (Status, error) {
	var (
		wg        sync.WaitGroup
		player    *Player
		playerErr error
		games     []Game
		level     int
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		player, playerErr = p.client.PlayerSummary(ctx, id)
	}()
	go func() {
		defer wg.Done()
		var err error
		if games, err = p.client.RecentGames(ctx, id); err != nil {
			p.logger.Debug().Err(err).Msg("Recently played games unavailable")
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if level, err = p.client.Level(ctx, id); err != nil {
			p.logger.Debug().Err(err).Msg("Steam level unavailable")
		}
	}()
	wg.Wait()

	if playerErr != nil {
		return Status{}, playerErr
	}
	return BuildStatus(id, player, level, games), nil
}

func (p *Poller) fetchCommunity(ctx context.Context, id string) (Status, error) {
	player, err := p.client.Community(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return BuildStatus(id, player, player.Level, nil), nil
}

// Current returns the cached status. Before any poll has succeeded it
// reports the configuration problem or the last failure; if nothing has
// been attempted yet it starts a refresh in the background and returns
// NO_DATA.
func (p *Poller) Current(ctx context.Context) (*Snapshot, error) {
	if _, err := p.steamID64(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	fetched, lastErr := p.fetched, p.lastErr
	p.mu.RUnlock()

	if fetched {
		return upstream.ReadThrough(ctx, p.cache, statusCacheKey, p.logger, p.fetch)
	}
	if lastErr != nil {
		return nil, lastErr
	}

	if p.refreshing.CompareAndSwap(false, true) {
		go func() {
			defer p.refreshing.Store(false)
			p.Refresh(context.Background(), "first-request")
		}()
	}
	return nil, &Error{Code: CodeNoData, Message: "steam data not available yet"}
}
