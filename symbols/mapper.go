package symbols

import "strings"

// Canonical symbols are uppercase base-asset identifiers (e.g. BTC).
// Mapping to vendor identifiers is a pure function: explicit table first,
// deterministic fallback (case change plus default quote asset) otherwise.

var binancePairs = map[string]string{
	"BTC":  "BTCUSDT",
	"ETH":  "ETHUSDT",
	"SOL":  "SOLUSDT",
	"XRP":  "XRPUSDT",
	"DOGE": "DOGEUSDT",
	"ADA":  "ADAUSDT",
}

// Kraken spells a few majors with legacy aliases and quotes pairs with a
// slash separator.
var krakenPairs = map[string]string{
	"BTC":  "XBT/USD",
	"ETH":  "ETH/USD",
	"SOL":  "SOL/USD",
	"XRP":  "XRP/USD",
	"DOGE": "XDG/USD",
	"ADA":  "ADA/USD",
}

var krakenAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// IsCanonical reports whether a symbol is in the canonical form the stream
// manager accepts: non-empty, uppercase letters and digits only.
func IsCanonical(symbol string) bool {
	if symbol == "" || len(symbol) > 12 {
		return false
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ToBinance converts a canonical symbol to the Binance pair identifier.
func ToBinance(symbol string) string {
	if pair, ok := binancePairs[symbol]; ok {
		return pair
	}
	sym := strings.ToUpper(symbol)
	if strings.HasSuffix(sym, "USDT") {
		return sym
	}
	return sym + "USDT"
}

// FromBinance converts a Binance pair back to the canonical symbol.
func FromBinance(pair string) string {
	sym := strings.ToUpper(pair)
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if base := strings.TrimSuffix(sym, quote); base != sym && base != "" {
			return base
		}
	}
	return sym
}

// ToKraken converts a canonical symbol to the Kraken websocket pair string.
func ToKraken(symbol string) string {
	if pair, ok := krakenPairs[symbol]; ok {
		return pair
	}
	return strings.ToUpper(symbol) + "/USD"
}

// FromKraken converts a Kraken pair string back to the canonical symbol.
func FromKraken(pair string) string {
	base := strings.ToUpper(pair)
	if i := strings.IndexByte(base, '/'); i >= 0 {
		base = base[:i]
	}
	if canonical, ok := krakenAliases[base]; ok {
		return canonical
	}
	return base
}
