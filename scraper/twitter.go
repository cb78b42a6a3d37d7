package scraper

import (
	"encoding/json"
	"fmt"
	"net/url"
	"nightvibe/lexicon"
	"nightvibe/metrics"
	"nightvibe/pkg/vibe"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const twitterDefaultLocation = "New York, NY"

var (
	tweetStatusLink = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})/status/(\d+)`)
	tweetUserLink   = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})$`)
)

func newTwitter(cfg *Config) *Adapter {
	a := newAdapter(vibe.Twitter, cfg, lexicon.TwitterKeywords)
	a.defaultLocation = twitterDefaultLocation
	a.target = twitterTarget
	a.fallback = twitterSamples
	a.layers = []layer{
		{source: metrics.SourceStructured, parse: func(p *Page) []*vibe.CandidatePost {
			return a.relevant(parseTwitterJSON(p))
		}},
		{source: metrics.SourceMarkup, parse: parseTwitterMarkup},
	}
	return a
}

func twitterTarget(location string) string {
	q := url.Values{}
	q.Set("q", fmt.Sprintf(`(nightlife OR party OR club) near:"%s"`, location))
	q.Set("f", "live")
	return "https://x.com/search?" + q.Encode()
}

type twitterPayload struct {
	GlobalObjects struct {
		Tweets map[string]json.RawMessage `json:"tweets"`
		Users  map[string]json.RawMessage `json:"users"`
	} `json:"globalObjects"`
}

type tweet struct {
	IDStr         string  `json:"id_str"`
	FullText      string  `json:"full_text"`
	Text          string  `json:"text"`
	UserIDStr     string  `json:"user_id_str"`
	FavoriteCount flexInt `json:"favorite_count"`
	CreatedAt     string  `json:"created_at"`
	Entities      struct {
		Media []struct {
			MediaURLHTTPS string `json:"media_url_https"`
		} `json:"media"`
	} `json:"entities"`
}

type twitterUser struct {
	ScreenName string `json:"screen_name"`
}

// screenName tolerates missing or malformed user entries.
func screenName(raw json.RawMessage) string {
	var u twitterUser
	if len(raw) == 0 || json.Unmarshal(raw, &u) != nil {
		return ""
	}
	return u.ScreenName
}

// parseTwitterJSON reads the adaptive search payload, newest first.
func parseTwitterJSON(p *Page) []*vibe.CandidatePost {
	var posts []*vibe.CandidatePost
	p.Doc.Find(`script[type="application/json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload twitterPayload
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		for key, raw := range payload.GlobalObjects.Tweets {
			var t tweet
			if err := json.Unmarshal(raw, &t); err != nil {
				continue
			}
			id := firstNonEmpty(t.IDStr, key)
			if id == "" {
				continue
			}
			created := p.FetchedAt
			if ts, err := time.Parse(time.RubyDate, t.CreatedAt); err == nil {
				created = ts.UTC()
			}
			var media string
			if len(t.Entities.Media) > 0 {
				media = t.Entities.Media[0].MediaURLHTTPS
			}
			posts = append(posts, &vibe.CandidatePost{
				ExternalID: id,
				Username:   screenName(payload.GlobalObjects.Users[t.UserIDStr]),
				Text:       firstNonEmpty(t.FullText, t.Text),
				Likes:      int(t.FavoriteCount),
				CreatedAt:  created,
				MediaURL:   media,
				Location:   p.Location,
			})
		}
		return len(posts) == 0
	})

	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ExternalID > posts[j].ExternalID
	})
	return posts
}

// parseTwitterMarkup reads rendered tweet articles.
// Status links give stable ids; articles without one get run-scoped ids.
func parseTwitterMarkup(p *Page) []*vibe.CandidatePost {
	var posts []*vibe.CandidatePost
	p.Doc.Find(`article[data-testid="tweet"]`).Each(func(i int, s *goquery.Selection) {
		id := markupID("tw", p.FetchedAt, i)
		username := fmt.Sprintf("user_%d", i)
		created := p.FetchedAt

		s.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
			href, _ := link.Attr("href")
			if m := tweetStatusLink.FindStringSubmatch(href); m != nil {
				username, id = m[1], m[2]
				if dt, ok := link.Find("time[datetime]").Attr("datetime"); ok {
					if ts, err := time.Parse(time.RFC3339, dt); err == nil {
						created = ts.UTC()
					}
				}
				return false
			}
			if m := tweetUserLink.FindStringSubmatch(href); m != nil {
				username = m[1]
			}
			return true
		})

		text := strings.TrimSpace(s.Find(`div[data-testid="tweetText"]`).First().Text())
		if text == "" {
			return
		}

		likes := parseCount(s.Find(`[data-testid="like"]`).First().Text())
		if likes == 0 {
			likes = likesFromText(s.Text())
		}

		var media string
		s.Find("img[src]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
			src, _ := img.Attr("src")
			if strings.Contains(src, "twimg.com/media") {
				media = src
				return false
			}
			return true
		})

		posts = append(posts, &vibe.CandidatePost{
			ExternalID: id,
			Username:   username,
			Text:       text,
			Likes:      likes,
			CreatedAt:  created,
			MediaURL:   media,
			Location:   p.Location,
		})
	})
	return posts
}

// twitterSamples is the constant set returned when nothing can be scraped.
func twitterSamples(location string) []*vibe.CandidatePost {
	if location == "" {
		location = twitterDefaultLocation
	}
	return []*vibe.CandidatePost{
		{
			ExternalID: "1234567890",
			Username:   "party_lover_nyc",
			Text:       "Amazing night at the club! 🎉🔥 The DJ was incredible #nightlife #NYC",
			Likes:      45,
			CreatedAt:  sampleBase,
			MediaURL:   "https://example.com/image1.jpg",
			Location:   location,
		},
		{
			ExternalID: "1234567891",
			Username:   "dj_mike_beats",
			Text:       "Lit party tonight! Come dance with us 💃🕺 #party #dance #vibes",
			Likes:      78,
			CreatedAt:  sampleBase.Add(-30 * time.Minute),
			Location:   location,
		},
		{
			ExternalID: "1234567892",
			Username:   "club_scene",
			Text:       "Best nightout ever! Drinks flowing 🍾✨ #clubbing #drinks #turnt",
			Likes:      123,
			CreatedAt:  sampleBase.Add(-time.Hour),
			MediaURL:   "https://example.com/image2.jpg",
			Location:   location,
		},
	}
}
