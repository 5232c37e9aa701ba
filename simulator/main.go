package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/observability"
	"github.com/c17hawke/AWS-personalize-POC-in-box/pkg/transform"
)

var genres = []string{
	"Action", "Adventure", "Animation", "Children", "Comedy", "Crime", "Documentary",
	"Drama", "Fantasy", "Film-Noir", "Horror", "Musical", "Mystery", "Romance",
	"Sci-Fi", "Thriller", "War", "Western",
}

const startTimestamp = 964982703

type params struct {
	Users   int
	Items   int
	Ratings int
	Seed    int64
}

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	outDir := os.Getenv("OUT_DIR")
	if outDir == "" {
		outDir = filepath.Join("data", "ml-latest-small")
	}
	p := params{
		Users:   envInt("USERS", 100),
		Items:   envInt("ITEMS", 500),
		Ratings: envInt("RATINGS", 5000),
		Seed:    int64(envInt("SEED", 42)),
	}

	if err := write(outDir, p); err != nil {
		logger.Error("failed to write data set", "error", err)
		os.Exit(1)
	}
	logger.Info("synthetic data set written", "dir", outDir, "users", p.Users, "items", p.Items, "ratings", p.Ratings)
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func write(dir string, p params) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	ratings, movies := generate(rand.New(rand.NewSource(p.Seed)), p)
	if err := writeFile(filepath.Join(dir, "ratings.csv"), []string{"userId", "movieId", "rating", "timestamp"}, ratings); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, "movies.csv"), []string{"movieId", "title", "genres"}, movies)
}

func writeFile(path string, columns []string, recs []transform.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := transform.WriteCSV(f, columns, recs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// generate builds a movies table in the MovieLens layout and ratings with a
// popularity skew, so a few items collect most interactions.
func generate(rng *rand.Rand, p params) (ratings, movies []transform.Record) {
	movies = make([]transform.Record, p.Items)
	for i := range movies {
		n := 1 + rng.Intn(3)
		picked := make([]string, 0, n)
		for _, j := range rng.Perm(len(genres))[:n] {
			picked = append(picked, genres[j])
		}
		g := strings.Join(picked, "|")
		if rng.Intn(50) == 0 {
			g = "(no genres listed)"
		}
		movies[i] = transform.Record{
			"movieId": strconv.Itoa(i + 1),
			"title":   fmt.Sprintf("Movie %d (%d)", i+1, 1950+rng.Intn(70)),
			"genres":  g,
		}
	}

	ts := startTimestamp
	ratings = make([]transform.Record, p.Ratings)
	for i := range ratings {
		item := int(float64(p.Items)*rng.Float64()*rng.Float64()) + 1
		ts += rng.Intn(600)
		ratings[i] = transform.Record{
			"userId":    strconv.Itoa(rng.Intn(p.Users) + 1),
			"movieId":   strconv.Itoa(item),
			"rating":    strconv.FormatFloat(float64(1+rng.Intn(10))/2, 'f', 1, 64),
			"timestamp": strconv.Itoa(ts),
		}
	}
	return ratings, movies
}
