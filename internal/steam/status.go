package steam

import "time"

var personaStateText = map[int]string{
	0: "离线",
	1: "在线",
	2: "忙碌",
	3: "离开",
	4: "打盹",
	5: "想交易",
	6: "想玩游戏",
}

// NowPlaying is the game currently running.
type NowPlaying struct {
	Name  string `json:"name"`
	AppID string `json:"appid,omitempty"`
	Cover string `json:"cover,omitempty"`
	Icon  string `json:"-"`
}

// Status is the structured presence report.
type Status struct {
	Nickname     string      `json:"nickname"`
	Avatar       string      `json:"avatar"`
	Level        int         `json:"level"`
	SteamID64    string      `json:"steamId64"`
	Status       string      `json:"status"`
	StatusText   string      `json:"statusText"`
	PersonaState int         `json:"personastate"`
	NowPlaying   *NowPlaying `json:"now_playing"`
	RecentGames  []Game      `json:"recent_games"`
}

// LegacyProfile is the profile block the dashboard has always read.
type LegacyProfile struct {
	Name             string `json:"name"`
	Avatar           string `json:"avatar"`
	Level            int    `json:"level"`
	Status           string `json:"status"`
	StatusText       string `json:"statusText"`
	PersonaState     int    `json:"personastate"`
	Game             string `json:"game,omitempty"`
	GameCover        string `json:"gameCover,omitempty"`
	GameIcon         string `json:"gameIcon,omitempty"`
	GameID           string `json:"gameId,omitempty"`
	PlaytimeTwoWeeks string `json:"playtimeTwoWeeks"`
	SteamID64        string `json:"steamId64"`
}

// LegacyGame is one entry of the legacy recentGames list.
type LegacyGame struct {
	Name  string `json:"name"`
	Time  string `json:"time"`
	Icon  string `json:"icon"`
	Cover string `json:"cover,omitempty"`
	AppID int    `json:"appid,omitempty"`
}

// Legacy is the response "data" shape.
type Legacy struct {
	Profile     LegacyProfile `json:"profile"`
	RecentGames []LegacyGame  `json:"recentGames"`
}

// Snapshot is one successful poll.
type Snapshot struct {
	Data      Legacy    `json:"data"`
	APIData   Status    `json:"apiData"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildStatus turns a player summary into a Status.
func BuildStatus(steamID64 string, p *Player, level int, games []Game) Status {
	s := Status{
		Nickname:     p.PersonaName,
		Avatar:       firstNonEmpty(p.AvatarFull, p.AvatarMedium, p.Avatar),
		Level:        level,
		SteamID64:    steamID64,
		PersonaState: p.PersonaState,
		RecentGames:  games,
	}
	if s.Nickname == "" {
		s.Nickname = "Unknown"
	}
	if s.RecentGames == nil {
		s.RecentGames = []Game{}
	}

	if p.PersonaState == 0 {
		s.Status = "offline"
		s.StatusText = personaStateText[0]
	} else {
		s.Status = "online"
		s.StatusText = personaStateText[p.PersonaState]
		if s.StatusText == "" {
			s.StatusText = personaStateText[1]
		}
	}

	if p.GameExtraInfo != "" {
		s.Status = "in-game"
		s.StatusText = "正在游玩 " + p.GameExtraInfo
		s.NowPlaying = &NowPlaying{
			Name:  p.GameExtraInfo,
			AppID: p.GameID,
			Cover: firstNonEmpty(p.GameCover, CoverURL(p.GameID)),
			Icon:  p.GameIcon,
		}
	}
	return s
}

// Legacy renders the Status in the legacy response shape.
func (s Status) Legacy() Legacy {
	out := Legacy{
		Profile: LegacyProfile{
			Name:             s.Nickname,
			Avatar:           s.Avatar,
			Level:            s.Level,
			Status:           s.Status,
			StatusText:       s.StatusText,
			PersonaState:     s.PersonaState,
			PlaytimeTwoWeeks: "0h",
			SteamID64:        s.SteamID64,
		},
		RecentGames: make([]LegacyGame, 0, len(s.RecentGames)),
	}
	if np := s.NowPlaying; np != nil {
		out.Profile.Game = np.Name
		out.Profile.GameCover = np.Cover
		out.Profile.GameIcon = firstNonEmpty(np.Icon, np.Cover)
		out.Profile.GameID = np.AppID
	}
	for _, g := range s.RecentGames {
		out.RecentGames = append(out.RecentGames, LegacyGame{
			Name:  g.Name,
			Time:  g.Playtime2Weeks,
			Icon:  "🎮",
			Cover: g.Cover,
			AppID: g.AppID,
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
