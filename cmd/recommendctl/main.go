package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/yungbote/copurchase/internal/app"
	"github.com/yungbote/copurchase/internal/recommender"
)

type idList []recommender.ProductID

func (l *idList) String() string {
	parts := make([]string, 0, len(*l))
	for _, id := range *l {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ",")
}

// Set accepts repeated -id flags as well as comma-separated lists.
func (l *idList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("product id %q: %w", part, err)
		}
		*l = append(*l, recommender.ProductID(n))
	}
	return nil
}

// unique drops repeated ids, keeping first-seen order.
func (l idList) unique() []recommender.ProductID {
	seen := make(map[recommender.ProductID]struct{}, len(l))
	out := make([]recommender.ProductID, 0, len(l))
	for _, id := range l {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func usage() {
	fmt.Println(`usage: recommendctl <command> [flags]

commands:
  record   -id 1 -id 2          record one completed order
  suggest  -id 1 [-id 2] [-n 6] print ranked suggestions with scores
  clear    [-id ...] [-from-catalog] [-dry-run]
                                 delete purchase history for the given products`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	var ids idList
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Var(&ids, "id", "product id (repeatable or comma-separated)")
	maxResults := fs.Int("n", recommender.DefaultMaxResults, "max suggestions")
	fromCatalog := fs.Bool("from-catalog", false, "clear every product listed in the catalog table")
	dryRun := fs.Bool("dry-run", false, "print what would be cleared without deleting")
	_ = fs.Parse(os.Args[2:])

	ctx := context.Background()
	application, err := app.New(ctx)
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()
	rec := application.Recommender

	switch cmd {
	case "record":
		products := ids.unique()
		if err := rec.RecordPurchase(ctx, products); err != nil {
			fail(application, "record", err)
		}
		fmt.Printf("recorded order with %d products\n", len(products))

	case "suggest":
		out, err := rec.SuggestScored(ctx, ids, *maxResults)
		if err != nil {
			fail(application, "suggest", err)
		}
		if len(out) == 0 {
			fmt.Println("no suggestions")
			return
		}
		for i, s := range out {
			fmt.Printf("%d. product=%d score=%g\n", i+1, s.ProductID, s.Score)
		}

	case "clear":
		targets := ids
		if *fromCatalog {
			reader, err := application.Catalog()
			if err != nil {
				fail(application, "open catalog", err)
			}
			all, err := reader.ProductIDs(ctx)
			if err != nil {
				fail(application, "load catalog", err)
			}
			targets = append(targets, all...)
		}
		products := targets.unique()
		if len(products) == 0 {
			fmt.Println("no product ids given; use -id or -from-catalog")
			return
		}
		if *dryRun {
			fmt.Printf("[dry-run] would clear purchase history for %d products\n", len(products))
			return
		}
		if err := rec.ClearAllPurchaseHistory(ctx, products); err != nil {
			fail(application, "clear", err)
		}
		fmt.Printf("done; cleared=%d\n", len(products))

	default:
		usage()
		application.Close()
		os.Exit(2)
	}
}

func fail(application *app.App, what string, err error) {
	fmt.Printf("%s failed: %v\n", what, err)
	application.Close()
	os.Exit(1)
}
