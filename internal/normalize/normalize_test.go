package normalize

import "testing"

type fakeDirectory struct {
	members  map[string]string
	channels map[string]string
}

func (d fakeDirectory) MemberName(id string) (string, bool) {
	name, ok := d.members[id]
	return name, ok
}

func (d fakeDirectory) ChannelName(id string) (string, bool) {
	name, ok := d.channels[id]
	return name, ok
}

var directory = fakeDirectory{
	members:  map[string]string{"111": "たろう", "222": "Hanako"},
	channels: map[string]string{"900": "🎮ゲーム部屋", "901": "general"},
}

func TestNormalize(t *testing.T) {
	n := New("")
	cases := []struct {
		name string
		in   string
		dict []Replacement
		want string
	}{
		{"plain", "こんにちは", nil, "こんにちは"},
		{"mention", "<@111> おはよう", nil, "たろう おはよう"},
		{"nick mention", "<@!222>さん", nil, "Hanakoさん"},
		{"unknown mention", "<@333> hi", nil, "<@333> hi"},
		{"channel", "<#900>に来て", nil, "ゲーム部屋に来て"},
		{"unknown channel", "<#999>", nil, "<#999>"},
		{"url", "見て https://example.com/a?b=c 面白い", nil, "見て URL省略 面白い"},
		{"two urls", "http://a.jp http://b.jp", nil, "URL省略 URL省略"},
		{"emoji", "やった<:pog:123456>!", nil, "やった!"},
		{"animated emoji", "<a:party:42>わーい", nil, "わーい"},
		{"dictionary", "wwww", []Replacement{{"w", "わら"}}, "わらわらわらわら"},
		{"dictionary chain", "abc", []Replacement{{"a", "b"}, {"bb", "X"}}, "Xc"},
		{"dictionary before url", "リンク: https://x.jp", []Replacement{{"https://x.jp", "えっくす"}}, "リンク: えっくす"},
		{"dictionary before mention", "<@111>", []Replacement{{"<@111>", "ボス"}}, "ボス"},
		{"empty original ignored", "abc", []Replacement{{"", "z"}}, "abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := n.Normalize(tc.in, Group{Dictionary: tc.dict, Directory: directory})
			if got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotentWithoutMatches(t *testing.T) {
	n := New("URL omitted")
	g := Group{Dictionary: []Replacement{{"foo", "bar"}}, Directory: directory}
	in := "今日はいい天気ですね"
	once := n.Normalize(in, g)
	if once != in {
		t.Fatalf("expected untouched text, got %q", once)
	}
	if twice := n.Normalize(once, g); twice != once {
		t.Fatalf("expected idempotence, got %q", twice)
	}
}

func TestNormalizeWithoutDirectory(t *testing.T) {
	n := New("URL omitted")
	got := n.Normalize("<@111> see https://x.y <#900>", Group{})
	if got != "<@111> see URL omitted <#900>" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestStripSymbols(t *testing.T) {
	if got := StripSymbols("📢お知らせ✨"); got != "お知らせ" {
		t.Fatalf("unexpected %q", got)
	}
}
