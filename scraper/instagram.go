package scraper

import (
	"encoding/json"
	"fmt"
	"net/url"
	"nightvibe/lexicon"
	"nightvibe/metrics"
	"nightvibe/pkg/vibe"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const instagramDefaultLocation = "Harare"

var instagramProfileLink = regexp.MustCompile(`^/([^/?"]+)/$`)

func newInstagram(cfg *Config) *Adapter {
	a := newAdapter(vibe.Instagram, cfg, lexicon.InstagramKeywords)
	a.defaultLocation = instagramDefaultLocation
	a.target = instagramTarget
	a.fallback = instagramSamples
	a.layers = []layer{
		{source: metrics.SourceStructured, parse: func(p *Page) []*vibe.CandidatePost {
			return a.relevant(parseInstagramJSON(p))
		}},
		{source: metrics.SourceMarkup, parse: parseInstagramMarkup},
	}
	return a
}

func instagramTarget(location string) string {
	tag := "party"
	if strings.Contains(strings.ToLower(location), "harare") {
		tag = "clubHarare"
	}
	return fmt.Sprintf("https://www.instagram.com/explore/tags/%s/", url.PathEscape(tag))
}

type instagramPayload struct {
	EntryData struct {
		TagPage []struct {
			GraphQL struct {
				Hashtag struct {
					Media struct {
						Edges []json.RawMessage `json:"edges"`
					} `json:"edge_hashtag_to_media"`
				} `json:"hashtag"`
			} `json:"graphql"`
		} `json:"TagPage"`
	} `json:"entry_data"`
}

type instagramEdge struct {
	Node instagramNode `json:"node"`
}

type instagramNode struct {
	ID    string `json:"id"`
	Owner struct {
		Username string `json:"username"`
	} `json:"owner"`
	Caption struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
	LikedBy struct {
		Count flexInt `json:"count"`
	} `json:"edge_liked_by"`
	TakenAt      flexInt `json:"taken_at_timestamp"`
	DisplayURL   string  `json:"display_url"`
	ThumbnailSrc string  `json:"thumbnail_src"`
}

// parseInstagramJSON walks the embedded hashtag page payload.
func parseInstagramJSON(p *Page) []*vibe.CandidatePost {
	var posts []*vibe.CandidatePost
	p.Doc.Find(`script[type="application/json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload instagramPayload
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		if len(payload.EntryData.TagPage) == 0 {
			return true
		}
		for _, raw := range payload.EntryData.TagPage[0].GraphQL.Hashtag.Media.Edges {
			var edge instagramEdge
			if err := json.Unmarshal(raw, &edge); err != nil {
				continue
			}
			n := edge.Node
			if n.ID == "" {
				continue
			}
			var caption string
			if len(n.Caption.Edges) > 0 {
				caption = n.Caption.Edges[0].Node.Text
			}
			posts = append(posts, &vibe.CandidatePost{
				ExternalID: n.ID,
				Username:   n.Owner.Username,
				Text:       caption,
				Likes:      int(n.LikedBy.Count),
				CreatedAt:  unixTime(int64(n.TakenAt), p.FetchedAt),
				MediaURL:   firstNonEmpty(n.DisplayURL, n.ThumbnailSrc),
				Location:   p.Location,
			})
		}
		return len(posts) == 0
	})
	return posts
}

// parseInstagramMarkup reads rendered post articles.
func parseInstagramMarkup(p *Page) []*vibe.CandidatePost {
	var posts []*vibe.CandidatePost
	p.Doc.Find("article").Each(func(i int, s *goquery.Selection) {
		username := fmt.Sprintf("user_%d", i)
		s.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
			href, _ := link.Attr("href")
			if m := instagramProfileLink.FindStringSubmatch(href); m != nil {
				username = m[1]
				return false
			}
			return true
		})

		text := fmt.Sprintf("Sample party post %d #party #nightlife", i+1)
		if alt, ok := s.Find("img[alt]").First().Attr("alt"); ok {
			text = alt
		}

		var media string
		s.Find("img[src]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
			src, _ := img.Attr("src")
			if strings.Contains(src, "instagram") {
				media = src
				return false
			}
			return true
		})

		posts = append(posts, &vibe.CandidatePost{
			ExternalID: markupID("ig", p.FetchedAt, i),
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

// instagramSamples is the constant set returned when nothing can be scraped.
func instagramSamples(location string) []*vibe.CandidatePost {
	if location == "" {
		location = instagramDefaultLocation
	}
	return []*vibe.CandidatePost{
		{
			ExternalID: "ig_mock_001",
			Username:   "harare_nightlife",
			Text:       "Epic night at the club! 🎉🔥 #party #clubHarare #nightlife",
			Likes:      67,
			CreatedAt:  sampleBase,
			Location:   location,
		},
		{
			ExternalID: "ig_mock_002",
			Username:   "party_central_zw",
			Text:       "Turn up vibes all night! 💃🕺 #turnup #party #vibes",
			Likes:      89,
			CreatedAt:  sampleBase.Add(-45 * time.Minute),
			Location:   location,
		},
	}
}
