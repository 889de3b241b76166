package steam

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/goodtune/restatus/internal/upstream"
)

var (
	xmlName         = regexp.MustCompile(`<steamID><!\[CDATA\[(.*?)\]\]></steamID>`)
	xmlAvatarFull   = regexp.MustCompile(`<avatarFull><!\[CDATA\[(.*?)\]\]></avatarFull>`)
	xmlAvatarMedium = regexp.MustCompile(`<avatarMedium><!\[CDATA\[(.*?)\]\]></avatarMedium>`)
	xmlAvatar       = regexp.MustCompile(`<avatarIcon><!\[CDATA\[(.*?)\]\]></avatarIcon>`)
	xmlGame         = regexp.MustCompile(`<gameExtraInfo><!\[CDATA\[(.*?)\]\]></gameExtraInfo>`)
	xmlGameID       = regexp.MustCompile(`<gameID>(.*?)</gameID>`)
	xmlOnlineState  = regexp.MustCompile(`<onlineState>(.*?)</onlineState>`)

	htmlLevel      = regexp.MustCompile(`<span class="friendPlayerLevelNum">(\d+)</span>`)
	htmlGameIcon   = regexp.MustCompile(`(?i)<img[^>]*src="(https://cdn\.fastly\.steamstatic\.com/steamcommunity/public/images/apps/(\d+)/[^"]+\.jpg)"[^>]*>`)
	htmlGameHeader = regexp.MustCompile(`(?i)<img[^>]*class="[^"]*game_header_image[^"]*"[^>]*src="(https://shared\.fastly\.steamstatic\.com/store_item_assets/steam/apps/(\d+)/header\.jpg[^"]*)"[^>]*>`)
	htmlGameName   = regexp.MustCompile(`(?s)<div class="profile_in_game_name"[^>]*>(.*?)</div>`)
	htmlStoreLink  = regexp.MustCompile(`<a[^>]*href="https://store\.steampowered\.com/app/(\d+)"[^>]*>([^<]+)</a>`)
	htmlRunGame    = regexp.MustCompile(`steam://rungameid/(\d+)`)
	htmlTag        = regexp.MustCompile(`<[^>]+>`)
)

// Community scrapes the public profile. The XML document must name the
// player; every other field is optional and left empty when the markup
// does not match.
func (c *Client) Community(ctx context.Context, steamID64 string) (*Player, error) {
	base := c.communityBase + "/profiles/" + steamID64

	resp, err := c.community.GetBytes(ctx, base+"/?xml=1", c.scrapeHeaders("text/xml,application/xml,application/xhtml+xml,text/html;q=0.9,*/*;q=0.8"))
	if err != nil {
		return nil, err
	}

	p := parseProfileXML(string(resp.Body))
	if p == nil {
		return nil, upstream.Errorf(upstream.UpstreamUnavailable, "steam community profile for %s has no name", steamID64)
	}
	p.SteamID = steamID64

	page, err := c.community.GetBytes(ctx, base, c.scrapeHeaders("text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"))
	if err != nil {
		c.logger.Debug().Err(err).Msg("Community profile page unavailable, using XML only")
		return p, nil
	}
	applyProfileHTML(p, string(page.Body))
	return p, nil
}

func parseProfileXML(doc string) *Player {
	name := submatch(xmlName, doc, 1)
	if name == "" {
		return nil
	}

	p := &Player{
		PersonaName:   name,
		AvatarFull:    submatch(xmlAvatarFull, doc, 1),
		AvatarMedium:  submatch(xmlAvatarMedium, doc, 1),
		Avatar:        submatch(xmlAvatar, doc, 1),
		GameExtraInfo: submatch(xmlGame, doc, 1),
		GameID:        submatch(xmlGameID, doc, 1),
	}

	switch strings.ToLower(submatch(xmlOnlineState, doc, 1)) {
	case "online", "in-game":
		p.PersonaState = 1
	case "":
		if p.GameExtraInfo != "" {
			p.PersonaState = 1
		}
	}
	return p
}

func applyProfileHTML(p *Player, page string) {
	if lvl := submatch(htmlLevel, page, 1); lvl != "" {
		p.Level, _ = strconv.Atoi(lvl)
	}

	var gameID, gameName string
	if m := htmlGameIcon.FindStringSubmatch(page); m != nil {
		p.GameIcon = m[1]
		gameID = m[2]
	}
	if m := htmlGameHeader.FindStringSubmatch(page); m != nil {
		p.GameCover = m[1]
		if gameID == "" {
			gameID = m[2]
		}
	}
	if m := htmlGameName.FindStringSubmatch(page); m != nil {
		gameName = strings.TrimSpace(htmlTag.ReplaceAllString(m[1], ""))
	}
	if m := htmlStoreLink.FindStringSubmatch(page); m != nil {
		if gameID == "" {
			gameID = m[1]
		}
		if gameName == "" {
			gameName = strings.TrimSpace(m[2])
		}
	}
	if gameID == "" {
		gameID = submatch(htmlRunGame, page, 1)
	}

	if gameName == "" && gameID == "" {
		return
	}
	if gameName == "" {
		gameName = "Unknown Game"
	}
	p.GameExtraInfo = gameName
	p.GameID = gameID
}

func submatch(re *regexp.Regexp, s string, i int) string {
	m := re.FindStringSubmatch(s)
	if len(m) <= i {
		return ""
	}
	return m[i]
}
