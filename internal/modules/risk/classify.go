// Package risk computes portfolio risk metrics from a positions snapshot:
// category classification, pairwise correlation heuristics, concentration
// and hedge detection. All functions are pure; an empty portfolio yields
// zeros, never NaN or Inf.
package risk

import (
	"strings"
	"unicode"

	"github.com/hexaphore/meridian/internal/domain"
)

// Category buckets a market by subject matter.
type Category string

const (
	CategoryPolitics      Category = "politics"
	CategoryCrypto        Category = "crypto"
	CategorySports        Category = "sports"
	CategoryEconomics     Category = "economics"
	CategoryEntertainment Category = "entertainment"
	CategoryWeather       Category = "weather"
	CategoryScience       Category = "science"
	CategoryOther         Category = "other"
)

// categoryOrder fixes the precedence: the first category whose vocabulary
// matches wins, so a question touching several subjects classifies
// deterministically.
var categoryOrder = []Category{
	CategoryPolitics,
	CategoryCrypto,
	CategorySports,
	CategoryEconomics,
	CategoryEntertainment,
	CategoryWeather,
	CategoryScience,
}

var categoryKeywords = map[Category][]string{
	CategoryPolitics: {
		"election", "president", "senate", "congress", "governor",
		"parliament", "minister", "vote", "ballot", "impeach", "nominee",
		"candidate", "republican", "democrat", "legislation", "supreme court",
		"white house", "coalition", "referendum",
	},
	CategoryCrypto: {
		"bitcoin", "btc", "ethereum", "eth ", "solana", "crypto", "token",
		"blockchain", "defi", "nft", "stablecoin", "altcoin", "halving",
		"airdrop", "binance", "coinbase",
	},
	CategorySports: {
		"nba", "nfl", "mlb", "nhl", "soccer", "football", "basketball",
		"baseball", "tennis", "golf", "championship", "super bowl",
		"world cup", "olympic", "playoff", "ufc", "grand prix", "premier league",
	},
	CategoryEconomics: {
		"fed ", "federal reserve", "inflation", "cpi", "gdp", "interest rate",
		"rate cut", "rate hike", "recession", "unemployment", "tariff",
		"s&p", "nasdaq", "treasury", "fomc", "jobs report", "stock market",
	},
	CategoryEntertainment: {
		"movie", "film", "oscar", "album", "grammy", "emmy", "box office",
		"netflix", "celebrity", "tv show", "song", "billboard", "award",
	},
	CategoryWeather: {
		"temperature", "hurricane", "rainfall", "snowfall", "weather",
		"storm", "tornado", "heat wave", "drought", "el nino", "la nina",
	},
	CategoryScience: {
		"nasa", "spacex", "launch", "vaccine", "discovery", "asteroid",
		"rocket", "fusion", "quantum", "nobel", "species", "clinical trial",
		"ai model", "artificial intelligence",
	},
}

// Classify buckets a position by its market question. Unrecognized
// questions fall through to other.
func Classify(p *domain.Position) Category {
	question := strings.ToLower(p.MarketQuestion)
	if question == "" {
		// Perp and spot markets carry the instrument in the id, not a question.
		question = strings.ToLower(p.MarketID)
	}
	for _, cat := range categoryOrder {
		for _, keyword := range categoryKeywords[cat] {
			if strings.Contains(question, keyword) {
				return cat
			}
		}
	}
	return CategoryOther
}

// keyEntities extracts the distinguishing tokens of a market question:
// capitalized words (skipping the sentence opener) and 4-digit years.
// Shared entities between two questions signal related markets.
func keyEntities(question string) map[string]struct{} {
	entities := make(map[string]struct{})
	words := strings.FieldsFunc(question, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, word := range words {
		if len(word) == 4 && isYear(word) {
			entities[word] = struct{}{}
			continue
		}
		if i == 0 || len(word) < 3 {
			continue
		}
		runes := []rune(word)
		if unicode.IsUpper(runes[0]) {
			entities[strings.ToLower(word)] = struct{}{}
		}
	}
	return entities
}

func isYear(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s[0] == '1' || s[0] == '2'
}

func sharedEntities(a, b string) int {
	ea, eb := keyEntities(a), keyEntities(b)
	shared := 0
	for e := range ea {
		if _, ok := eb[e]; ok {
			shared++
		}
	}
	return shared
}
