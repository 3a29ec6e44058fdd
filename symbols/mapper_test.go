package symbols

import "testing"

func TestToBinance(t *testing.T) {
	cases := []struct{ in, want string }{
		{"BTC", "BTCUSDT"},
		{"ETH", "ETHUSDT"},
		{"PEPE", "PEPEUSDT"},
		{"AVAX", "AVAXUSDT"},
	}
	for _, c := range cases {
		if got := ToBinance(c.in); got != c.want {
			t.Errorf("ToBinance(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFromBinance(t *testing.T) {
	cases := []struct{ in, want string }{
		{"BTCUSDT", "BTC"},
		{"ethusdt", "ETH"},
		{"SOLUSDC", "SOL"},
	}
	for _, c := range cases {
		if got := FromBinance(c.in); got != c.want {
			t.Errorf("FromBinance(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKrakenRoundTrip(t *testing.T) {
	cases := []struct{ in, pair, back string }{
		{"BTC", "XBT/USD", "BTC"},
		{"DOGE", "XDG/USD", "DOGE"},
		{"ETH", "ETH/USD", "ETH"},
		{"AVAX", "AVAX/USD", "AVAX"},
	}
	for _, c := range cases {
		pair := ToKraken(c.in)
		if pair != c.pair {
			t.Errorf("ToKraken(%q) = %q, want %q", c.in, pair, c.pair)
		}
		if got := FromKraken(pair); got != c.back {
			t.Errorf("FromKraken(%q) = %q, want %q", pair, got, c.back)
		}
	}
}

func TestIsCanonical(t *testing.T) {
	for _, sym := range []string{"BTC", "ETH", "1INCH", "DOGE"} {
		if !IsCanonical(sym) {
			t.Errorf("IsCanonical(%q) = false, want true", sym)
		}
	}
	for _, sym := range []string{"", "btc", "BTC/USD", "BTC-USDT", "VERYLONGSYMBOLNAME"} {
		if IsCanonical(sym) {
			t.Errorf("IsCanonical(%q) = true, want false", sym)
		}
	}
}
