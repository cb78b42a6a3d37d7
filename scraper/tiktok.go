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

const tiktokDefaultLocation = "Harare"

var tiktokHandle = regexp.MustCompile(`@([a-zA-Z0-9._]+)`)

func newTikTok(cfg *Config) *Adapter {
	a := newAdapter(vibe.TikTok, cfg, lexicon.TikTokKeywords)
	a.defaultLocation = tiktokDefaultLocation
	a.target = tiktokTarget
	a.fallback = tiktokSamples
	a.layers = []layer{
		{source: metrics.SourceStructured, parse: func(p *Page) []*vibe.CandidatePost {
			return a.relevant(parseTikTokJSON(p))
		}},
		{source: metrics.SourceMarkup, parse: parseTikTokMarkup},
	}
	return a
}

func tiktokTarget(location string) string {
	tag := "nightlife"
	if strings.Contains(strings.ToLower(location), "harare") {
		tag = "partyharare"
	}
	return "https://www.tiktok.com/tag/" + url.PathEscape(tag)
}

type tiktokPayload struct {
	Default struct {
		WebApp struct {
			VideoDetail map[string]json.RawMessage `json:"video_detail"`
		} `json:"webapp"`
	} `json:"default"`
}

type urlList struct {
	URLList []string `json:"url_list"`
}

type tiktokVideo struct {
	AwemeID string `json:"aweme_id"`
	ID      string `json:"id"`
	Author  struct {
		UniqueID string `json:"unique_id"`
		Nickname string `json:"nickname"`
	} `json:"author"`
	Desc       string `json:"desc"`
	Statistics struct {
		DiggCount flexInt `json:"digg_count"`
	} `json:"statistics"`
	CreateTime flexInt `json:"create_time"`
	Video      struct {
		Cover       urlList `json:"cover"`
		OriginCover urlList `json:"origin_cover"`
	} `json:"video"`
}

func (v *tiktokVideo) cover() string {
	for _, l := range []urlList{v.Video.Cover, v.Video.OriginCover} {
		if len(l.URLList) > 0 && l.URLList[0] != "" {
			return l.URLList[0]
		}
	}
	return ""
}

// parseTikTokJSON walks the rehydration payload embedded in tag pages.
func parseTikTokJSON(p *Page) []*vibe.CandidatePost {
	raw := p.Doc.Find("script#__UNIVERSAL_DATA_FOR_REHYDRATION__").First().Text()
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var payload tiktokPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}

	keys := make([]string, 0, len(payload.Default.WebApp.VideoDetail))
	for k := range payload.Default.WebApp.VideoDetail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var posts []*vibe.CandidatePost
	for _, k := range keys {
		var v tiktokVideo
		if err := json.Unmarshal(payload.Default.WebApp.VideoDetail[k], &v); err != nil {
			continue
		}
		id := firstNonEmpty(v.AwemeID, v.ID)
		if id == "" {
			continue
		}
		posts = append(posts, &vibe.CandidatePost{
			ExternalID: id,
			Username:   firstNonEmpty(v.Author.UniqueID, v.Author.Nickname),
			Text:       v.Desc,
			Likes:      int(v.Statistics.DiggCount),
			CreatedAt:  unixTime(int64(v.CreateTime), p.FetchedAt),
			MediaURL:   v.cover(),
			Location:   p.Location,
		})
	}
	return posts
}

// parseTikTokMarkup reads rendered recommendation tiles.
func parseTikTokMarkup(p *Page) []*vibe.CandidatePost {
	var posts []*vibe.CandidatePost
	p.Doc.Find(`div[data-e2e="recommend-list-item"]`).Each(func(i int, s *goquery.Selection) {
		username := fmt.Sprintf("user_%d", i)
		if m := tiktokHandle.FindStringSubmatch(s.Text()); m != nil {
			username = m[1]
		} else {
			s.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
				href, _ := link.Attr("href")
				if m := tiktokHandle.FindStringSubmatch(href); m != nil {
					username = m[1]
					return false
				}
				return true
			})
		}

		text := fmt.Sprintf("Sample party video %d #nightlife #party", i+1)
		if title, ok := s.Find("[title]").First().Attr("title"); ok && title != "" {
			text = title
		} else if alt, ok := s.Find("img[alt]").First().Attr("alt"); ok && alt != "" {
			text = alt
		}

		var media string
		s.Find("img[src]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
			src, _ := img.Attr("src")
			if strings.Contains(src, "tiktok") {
				media = src
				return false
			}
			return true
		})

		posts = append(posts, &vibe.CandidatePost{
			ExternalID: markupID("tt", p.FetchedAt, i),
			Username:   username,
			Text:       text,
			Likes:      likesFromText(s.Text()),
			CreatedAt:  p.FetchedAt,
			MediaURL:   media,
			Location:   p.Location,
		})
	})
	return posts
}

// tiktokSamples is the constant set returned when nothing can be scraped.
func tiktokSamples(location string) []*vibe.CandidatePost {
	if location == "" {
		location = tiktokDefaultLocation
	}
	return []*vibe.CandidatePost{
		{
			ExternalID: "tiktok_mock_001",
			Username:   "harare_vibes",
			Text:       "Club night was lit! 🔥💃 #nightlife #partyharare #clubvibes",
			Likes:      234,
			CreatedAt:  sampleBase,
			Location:   location,
		},
		{
			ExternalID: "tiktok_mock_002",
			Username:   "zw_party_scene",
			Text:       "Turn up energy all night! 🎉🕺 #turnup #party #vibes",
			Likes:      156,
			CreatedAt:  sampleBase.Add(-30 * time.Minute),
			Location:   location,
		},
	}
}
