package synth_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/haivivi/parley/pkg/synth"
)

func TestSegment(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "sentences",
			text: "I can help with that. Let me check your account now! Is that okay?",
			want: []string{"I can help with that.", "Let me check your account now!", "Is that okay?"},
		},
		{
			name: "short sentences merge",
			text: "Sure. Okay. One moment while I look that up.",
			want: []string{"Sure. Okay.", "One moment while I look that up."},
		},
		{
			name: "decimal stays together",
			text: "Your balance is 3.50 dollars today.",
			want: []string{"Your balance is 3.50 dollars today."},
		},
		{
			name: "trailing fragment",
			text: "Thanks for waiting. and one more thing",
			want: []string{"Thanks for waiting.", "and one more thing"},
		},
		{
			name: "cjk",
			text: "您好，请稍等一下。我们马上为您处理这个问题！",
			want: []string{"您好，请稍等一下。", "我们马上为您处理这个问题！"},
		},
		{
			name: "empty",
			text: "   ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := synth.Segment(tt.text, synth.SegmentConfig{MinChars: 8})
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("Segment = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSegmentSplitsLongUnits(t *testing.T) {
	text := strings.Repeat("word ", 60)
	units := synth.Segment(text, synth.SegmentConfig{MaxChars: 50})
	if len(units) < 6 {
		t.Fatalf("Segment produced %d units, want at least 6", len(units))
	}
	for _, u := range units {
		if n := utf8.RuneCountInString(u); n > 50 {
			t.Fatalf("unit %q has %d runes, want <= 50", u, n)
		}
	}
	if strings.Join(units, " ") != strings.TrimSpace(text) {
		t.Fatal("splitting lost or reordered words")
	}
}
