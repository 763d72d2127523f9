package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
)

// SeedData is the initial policy and taxonomy written on first run.
type SeedData struct {
	BlockedGroups   []string
	BlockedKeywords []string
	Categories      []string
	Tags            []string
}

// DefaultSeed returns the built-in policy and taxonomy.
func DefaultSeed() SeedData {
	return SeedData{
		BlockedGroups:   defaultBlockedGroups,
		BlockedKeywords: defaultBlockedKeywords,
		Categories:      defaultCategories,
		Tags:            defaultTags,
	}
}

// ReinitTags is the tag vocabulary installed by a tag reinitialization.
func ReinitTags() []string {
	out := make([]string, len(reinitTags))
	copy(out, reinitTags)
	return out
}

// Seed fills each empty table from data. Tables that already hold rows are
// left alone, so edits made after the first run survive restarts.
func (s *Store) Seed(ctx context.Context, data SeedData) error {
	now := time.Now().Unix()
	return s.inTx(ctx, "seed", func(tx *sql.Tx) error {
		steps := []struct {
			table  string
			insert string
			values []string
			lower  bool
			stamp  bool
		}{
			{"blocked_groups", "INSERT OR IGNORE INTO blocked_groups (name, created_at) VALUES (?, ?)", data.BlockedGroups, true, true},
			{"blocked_keywords", "INSERT OR IGNORE INTO blocked_keywords (keyword, created_at) VALUES (?, ?)", data.BlockedKeywords, true, true},
			{"categories", "INSERT OR IGNORE INTO categories (name) VALUES (?)", data.Categories, false, false},
			{"tags", "INSERT OR IGNORE INTO tags (name) VALUES (?)", data.Tags, false, false},
		}

		for _, step := range steps {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+step.table).Scan(&n); err != nil {
				return fmt.Errorf("count %s: %w", step.table, err)
			}
			if n > 0 || len(step.values) == 0 {
				continue
			}
			for _, v := range step.values {
				v = strings.TrimSpace(v)
				if step.lower {
					v = strings.ToLower(v)
				}
				if v == "" {
					continue
				}
				args := []any{v}
				if step.stamp {
					args = append(args, now)
				}
				if _, err := tx.ExecContext(ctx, step.insert, args...); err != nil {
					return fmt.Errorf("seed %s %q: %w", step.table, v, err)
				}
			}
			logging.Info("Seeded table", "table", step.table, "rows", len(step.values))
		}
		return nil
	})
}

var defaultCategories = []string{
	"Politics",
	"Violence",
	"Social Issues",
	"Mean Stuff",
	"Unpleasant",
}

var defaultTags = []string{
	"elon", "trump", "biden", "politics", "war", "international affairs", "election", "covid",
	"health pandemic", "climate change", "tesla", "spacex", "twitter", "tech companies",
	"artificial intelligence", "cryptocurrency", "economy", "hate speech", "government",
	"criminal justice", "police", "crime", "violence", "racism", "discrimination", "lgbtq",
	"gender issues", "natural disaster", "controversy", "gossip", "misinformation", "tv shows",
	"movies", "music", "books", "art", "food", "travel", "video games", "sports", "human abuse",
	"animal abuse",
}

var reinitTags = []string{
	"elon", "trump", "biden", "politics", "war", "international affairs", "election", "covid",
	"health pandemic", "climate change", "tesla", "spacex", "twitter", "tech companies",
	"artificial intelligence", "cryptocurrency", "economy", "hate speech", "government policy",
	"criminal justice", "police", "crime", "violence", "racism", "discrimination", "lgbtq",
	"gender issues", "natural disaster", "controversy", "misinformation", "human abuse",
	"animal abuse", "medical issues", "activism",
}

var defaultBlockedGroups = []string{
	"meme", "wtf", "antimlm", "crappydesign", "tooktoomuch", "rareinsults", "iamactuallyverybadass",
	"oddlyterrifying", "justiceserved", "im14andthisisdeep", "idiotsnearlydying", "thathappened",
	"pettyrevenge", "wellthatsucks", "byebyejob", "assholedesign", "niceguys", "maliciouscompliance",
	"botchedsurgeries", "tumblr", "kidsarefuckingstupid", "unpopularopinion", "awfuleverything",
	"justneckbeardthings", "quityourbullshit", "prorevenge", "aboringdystopia", "winstupidprizes",
	"instantkarma", "instant_regret", "trueoffmychest", "elusionalcraigslist", "politics",
	"notliketheothergirls", "fragilewhiteredditor", "creepy", "iamatotalpieceofshit", "woooosh",
	"fuckthealtright", "democraticsocialism", "marchagainstnazis", "popping", "teenagers",
	"leopardsatemyface", "watchpeopledieinside", "fuckyoukaren", "confidentlyincorrect", "trashtaste",
	"nothowgirlswork", "medizzy", "mildlyinfuriating", "antiwork", "religiousfruitcake", "amitheasshole",
	"makemesuffer", "murderedbywords", "pussypassdenied", "cringe", "beggars", "circlejerk", "trashy",
	"fuckyouinparticular", "capitolconsequences", "imthemaincharacter", "toiletpaperusa",
	"twoxchromosomes", "selfawarewolves", "politicalhumor", "blackpeopletwitter", "whitepeopletwitter",
	"tinder", "idiotsfightingthings", "idiotsincars", "facepalm", "lifeprotips", "whatcouldgowrong",
	"latestagecapitalism", "tihi", "holup", "tiktokcringe", "witchesvspatriarchy", "corona",
	"therewasanattempt", "politicalcompassmemes", "fail", "porn", "poverty", "natureismetal",
	"publicfreakout", "fightporn", "murderedbyaoc", "atetheonion", "clevercomebacks",
	"peterexplainsthejoke", "formuladank", "sipstea", "ukrainewarvideoreport", "agedlikemilk", "aitah",
	"blueskysocial", "realtesla", "cyberstuck", "fednews", "wallstreetbets", "comics", "technology",
	"pics", "news", "50501", "shitposting", "fauxmoi", "realtwitteraccounts", "letgirlshavefun",
	"nbatalk", "adviceanimals", "ukraine", "entitledpeople", "explainthejoke",
}

var defaultBlockedKeywords = []string{
	"trump", "covid", "911 call", "hillary clinton", "bill clinton", "alexandria ocasio-cortez", "aoc",
	"candace owens", "obama", "under investigation", "white supremacy", "vaccine", "daca", "democrats",
	"prosecutors", "climate change", "global warming", "capitol riot", "probation officer", "bail",
	"leaked documents", "pandemic", "lab leak", "bill cosby", "ben shapiro", "wikileaks", "assange",
	"poisoned", "killed", "go on strike", "monopolize", "entitled", "millenials", "millennials",
	"protests", "gun violence", "virus", "far left", "far-left", "far-right", "far right", "pfizer",
	"domestic violence", "abuse", "abusive", "covid-19", "corona", "biden", "dies", "died",
	"passed away", "dead", "bombed", "explosion", "unsafe", "nazi", "outraged", "us congress", "senate",
	"congress", "assault", "marjorie taylor greene", "prison", "police", "cops", "racist", "homeless",
	"fauci", "gee i wonder", "fox news", "sentenced", "republicans", "gop", "death", "election",
	"christian right", "confederate", "abortion", "maga", "hate crime", "mcconnell", "filibuster",
	"elon", "doge", "walz", "vance", "petah", "killing", "shooter", "fbi", "ukrain", "zelenskyy",
	"zelensky", "putin", "russia", "tesla", "cyberstuck", "cybertruck", "plane crash", "fascist",
	"fascism", "yellowstone", "canada", "canadian", "tariff", "tariffs", "impeachment", "arrested",
	"tourist", "immigrant", "visa", "immigration", "trade", "war", "politics", "gender", "bigot",
	"bigotry", "ukraine", "government", "rape",
}
