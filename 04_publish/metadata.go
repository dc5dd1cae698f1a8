package publish

import (
	"fmt"
	"strings"

	"posting-video-pipeline/config"
	"posting-video-pipeline/types"
)

const maxTitleRunes = 100

// Metadata is what the platform shows for an uploaded video.
type Metadata struct {
	Title             string
	Description       string
	Tags              []string
	CategoryID        string
	Visibility        string
	MadeForKids       bool
	NotifySubscribers bool
	DefaultLanguage   string
}

// BuildMetadata derives upload metadata from a posting.
func BuildMetadata(cfg config.PublishConfig, p types.Posting) Metadata {
	tags := make([]string, 0, len(cfg.Tags)+1)
	tags = append(tags, cfg.Tags...)
	tags = append(tags, fmt.Sprintf("posting-%d", p.ID))

	return Metadata{
		Title:             clip(sanitize(cfg.TitlePrefix+strings.TrimSpace(p.Title)), maxTitleRunes),
		Description:       clip(sanitize(strings.TrimSpace(p.Body)), cfg.DescriptionChars),
		Tags:              tags,
		CategoryID:        cfg.CategoryID,
		Visibility:        cfg.Visibility,
		MadeForKids:       cfg.MadeForKids,
		NotifySubscribers: cfg.NotifySubscribers,
		DefaultLanguage:   cfg.DefaultLanguage,
	}
}

// sanitize drops the angle brackets the platform rejects in titles and descriptions.
func sanitize(s string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

func clip(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
