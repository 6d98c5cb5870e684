package scheduler

import (
	"fmt"
	"strings"
	"time"
)

const slugMaxLen = 32

// artifactName builds the base image filename:
// "<date>-<prompt slug>-<first 8 chars of the job id>.png".
func artifactName(prompt, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}

	return fmt.Sprintf("%s-%s-%s.png", time.Now().Format("20060102"), slugify(prompt), short)
}

// upscaledArtifactName derives the upscaled variant's filename from the base
// artifact name.
func upscaledArtifactName(baseName string) string {
	return strings.TrimSuffix(baseName, ".png") + "-upscaled.png"
}

// slugify lowercases the prompt and reduces it to dash-separated ASCII
// alphanumeric runs, truncated for filesystem friendliness. Prompts without
// any ASCII alphanumerics (e.g. fully CJK ones) slug to "img".
func slugify(s string) string {
	var b strings.Builder
	dash := true // suppress leading dash

	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}

		if b.Len() >= slugMaxLen {
			break
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "img"
	}

	return slug
}
