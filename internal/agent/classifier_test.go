package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/formpilot/internal/common"
)

func TestKeywordClassifier_URL(t *testing.T) {
	defaults := common.NewDefaultConfig().Agent
	c := NewKeywordClassifier(defaults.SuccessKeywords, defaults.SuccessPhrases)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.co.jp/contact/thanks.html", true},
		{"https://example.co.jp/inquiry/complete/", true},
		{"https://example.co.jp/form?step=done", true},
		{"https://example.co.jp/contact/thank-you", true},
		{"https://example.co.jp/contact_kanryo.php", true},
		{"https://example.co.jp/contact/", false},
		{"https://example.co.jp/privacy-consent", false},
		{"https://thanks.example.co.jp/contact/", false},
		{"://broken", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, c.MatchURL(tt.url))
		})
	}
}

func TestKeywordClassifier_Content(t *testing.T) {
	defaults := common.NewDefaultConfig().Agent
	c := NewKeywordClassifier(defaults.SuccessKeywords, defaults.SuccessPhrases)

	assert.True(t, c.MatchContent(`<html><head><title>Thank You | Example</title></head></html>`))
	assert.True(t, c.MatchContent(`<h1>お問い合わせを受け付けました</h1>`))
	assert.True(t, c.MatchContent(`<div><h2>送信完了</h2></div>`))
	// body copy outside headings does not count
	assert.False(t, c.MatchContent(`<h1>お問い合わせ</h1><p>送信完了後にメールが届きます</p>`))
	assert.False(t, c.MatchContent(""))

	assert.True(t, c.IsSuccessPage("https://example.co.jp/contact/", `<title>送信しました</title>`))
	assert.False(t, c.IsSuccessPage("https://example.co.jp/contact/", `<title>お問い合わせ</title>`))
}

func TestKeywordClassifier_Custom(t *testing.T) {
	c := NewKeywordClassifier([]string{"merci"}, []string{"Message envoyé"})

	assert.True(t, c.MatchURL("https://exemple.fr/contact/merci"))
	assert.False(t, c.MatchURL("https://exemple.fr/contact/thanks"))
	assert.True(t, c.MatchContent("<h1>Message envoyé !</h1>"))
}
