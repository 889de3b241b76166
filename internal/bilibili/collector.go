package bilibili

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/storage"
)

const placeholderThumbnail = "https://images.unsplash.com/photo-1544197150-b99a580bbc7c?q=80&w=600&auto=format&fit=crop"

// Profile is the merged user info and stats stored in the snapshot. The
// follower counts are empty until a stats call has succeeded.
type Profile struct {
	UID       string `json:"uid"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar"`
	Bio       string `json:"bio"`
	Level     int    `json:"level"`
	Followers string `json:"followers"`
	Following string `json:"following"`
}

// Snapshot is the persisted result of one collection run.
type Snapshot struct {
	Profile      Profile          `json:"profile"`
	LatestVideos []Video          `json:"latestVideos"`
	Favorites    []FavoriteFolder `json:"favorites"`
	LastUpdate   time.Time        `json:"lastUpdate"`
}

// Collector periodically gathers a Snapshot and saves it to the store.
// Readers only ever see the stored snapshot, never a live request.
type Collector struct {
	client   *Client
	store    storage.Store
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCollector creates a collector.
func NewCollector(client *Client, store storage.Store, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Collector{
		client:   client,
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "bilibili-collector").Logger(),
	}
}

// Start collects immediately and then on every interval until Stop.
func (c *Collector) Start() {
	if !c.client.Configured() {
		c.logger.Warn().Msg("Bilibili UID not configured, collector disabled")
		return
	}

	c.mu.Lock()
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	stop, done := c.stopChan, c.doneChan
	c.mu.Unlock()

	go c.run(stop, done)
	c.logger.Info().Dur("interval", c.interval).Msg("Bilibili collector started")
}

// Stop halts the collector and waits for an in-flight run to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	stop, done := c.stopChan, c.doneChan
	c.stopChan = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	c.logger.Info().Msg("Bilibili collector stopped")
}

func (c *Collector) run(stop, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Collect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Bilibili collection failed, keeping previous snapshot")
		}

		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

// Collect runs one collection. Calls are serial with a randomized delay
// between them. When user info cannot be obtained the stored snapshot is
// left untouched.
func (c *Collector) Collect(ctx context.Context) error {
	userInfo, userErr := c.client.UserInfo(ctx)

	if err := c.client.delay.Wait(ctx); err != nil {
		return err
	}
	followers, following := "", ""
	if stats, err := c.client.Stats(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to fetch follower stats, keeping previous counts")
		if prev, err := c.Load(ctx); err == nil {
			followers, following = prev.Profile.Followers, prev.Profile.Following
		}
	} else {
		followers = strconv.FormatInt(stats.Followers, 10)
		following = strconv.FormatInt(stats.Following, 10)
	}

	if err := c.client.delay.Wait(ctx); err != nil {
		return err
	}
	videos, err := c.client.Videos(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to fetch videos")
	}

	if err := c.client.delay.Wait(ctx); err != nil {
		return err
	}
	favorites, err := c.client.Favorites(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to fetch favorites")
	}

	if userErr != nil {
		return userErr
	}

	if len(videos) == 0 {
		videos = []Video{{Title: "暂无视频", Thumbnail: placeholderThumbnail, Date: "-"}}
	}
	if favorites == nil {
		favorites = []FavoriteFolder{}
	}

	snap := Snapshot{
		Profile: Profile{
			UID:       c.client.UID(),
			Username:  userInfo.Username,
			Avatar:    userInfo.Avatar,
			Bio:       userInfo.Bio,
			Level:     userInfo.Level,
			Followers: followers,
			Following: following,
		},
		LatestVideos: videos,
		Favorites:    favorites,
		LastUpdate:   c.client.clock.Now(),
	}

	if err := c.store.Save(ctx, storage.DocBilibili, snap); err != nil {
		return err
	}

	c.logger.Info().
		Str("username", snap.Profile.Username).
		Int("videos", len(videos)).
		Msg("Bilibili snapshot updated")
	return nil
}

// Load returns the stored snapshot or storage.ErrNotFound.
func (c *Collector) Load(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.store.Load(ctx, storage.DocBilibili, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
