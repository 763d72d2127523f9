package brain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxExplanationRunes caps the stored explanation.
const MaxExplanationRunes = 200

const systemPromptText = "You are an AI content moderator analyzing Reddit posts. Respond only with valid JSON."
const systemPromptImage = "You are an AI content moderator analyzing Reddit posts including images. Respond only with valid JSON."

// SystemPrompt returns the system message for a text-only or image request.
func SystemPrompt(withImage bool) string {
	if withImage {
		return systemPromptImage
	}
	return systemPromptText
}

// BuildPrompt renders the user message for req.
func BuildPrompt(req Request) string {
	body := req.BodyText
	if strings.TrimSpace(body) == "" {
		body = "N/A"
	}

	var b strings.Builder
	b.WriteString("Analyze this Reddit post and categorize it:\n\n")
	b.WriteString("POST CONTENT:\n")
	fmt.Fprintf(&b, "Title: %s\n", req.Title)
	fmt.Fprintf(&b, "Subreddit: r/%s\n", req.SourceGroup)
	fmt.Fprintf(&b, "Self Text: %s\n\n", body)
	fmt.Fprintf(&b, "AVAILABLE CATEGORIES: %s\n", strings.Join(req.Categories, ", "))
	fmt.Fprintf(&b, "AVAILABLE TAGS: %s\n\n", strings.Join(req.Tags, ", "))
	if req.Image != nil {
		b.WriteString("An image is included with this post. Analyze both the text content and the visual content of the image.\n\n")
	}
	b.WriteString(categorizationRules)
	return b.String()
}

const categorizationRules = `SPECIFIC CATEGORIZATION RULES:
- "Mean Stuff": content that is mocking, ridiculing, harassing, disparaging, or teasing, unless it is entirely playful humor that involves no public or political figures.
- "Unpleasant": real humans or real animals suffering or dying; death, divorce, war, health issues and conditions, malformations, amputation, loss, sorrow, grief.
- "Violence": criminal justice, prison, policing, people fighting, people damaging property.
- "Politics": criminal justice, prison, policing, and any mention of a political figure or political event.

Content that is clearly humorous may not belong in Violence or Unpleasant. Political content is always Politics, humor or not.
Only categorize and tag when you are very confident.

Respond with ONLY a JSON object in this exact format:
{
  "categories": ["category1", "category2"],
  "tags": ["tag1", "tag2", "tag3"],
  "explanation": "Brief explanation of how the tags and categories relate to the post's text and/or image"
}

Rules:
1. Only include categories from the available list that apply
2. Only include tags from the available list that apply
3. Keep explanation under 200 characters
4. Categories and tags arrays can be empty if none apply
5. For image posts consider both the title and the image's textual and visual content
6. Follow the specific categorization rules above`

// ParseResult decodes a model answer. Markdown code fences and text around
// the JSON object are tolerated; the explanation is trimmed to
// MaxExplanationRunes.
func ParseResult(content string) (Result, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("no JSON object in response: %q", truncate(content, 80))
	}

	var r Result
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return Result{}, fmt.Errorf("failed to parse categorizer JSON: %w", err)
	}
	r.Categories = cleanNames(r.Categories)
	r.Tags = cleanNames(r.Tags)
	r.Explanation = truncate(strings.TrimSpace(r.Explanation), MaxExplanationRunes)
	return r, nil
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
