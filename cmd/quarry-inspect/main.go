package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/internal/pkg/logging"
	"github.com/quarrydb/quarry/internal/pkg/util"
	storage "github.com/quarrydb/quarry/internal/quarry"
)

func main() {
	showPages := flag.Bool("pages", false, "print a per-page breakdown")
	verifyOnly := flag.Bool("verify", false, "only verify checksums, exit non-zero on corruption")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: quarry-inspect [-pages] [-verify] file...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	exitCode := 0
	for _, path := range flag.Args() {
		if *verifyOnly {
			if err := storage.VerifyFile(path); err != nil {
				logger.Error("verification failed",
					zap.String("path", path),
					zap.Error(err))
				exitCode = 1
				continue
			}
			fmt.Printf("%s: ok\n", path)
			continue
		}

		summary, err := storage.InspectFile(path)
		if err != nil {
			logger.Error("inspection failed",
				zap.String("path", path),
				zap.Error(err))
			exitCode = 1
			continue
		}
		printSummary(summary, *showPages)
	}
	os.Exit(exitCode)
}

func printSummary(summary *storage.FileSummary, showPages bool) {
	fmt.Printf("%s\n", summary.Path)
	fmt.Printf("  kind:       %s\n", summary.Kind)
	fmt.Printf("  file id:    %d\n", summary.FileID)
	fmt.Printf("  pages:      %d\n", summary.PageCount)
	fmt.Printf("  free list:  %d\n", summary.FreeListHead)
	if summary.Describe != "" {
		fmt.Printf("  describes:  %s\n", summary.Describe)
	}

	if !showPages {
		corrupt := 0
		for _, ps := range summary.Pages {
			if ps.Status != "ok" {
				corrupt++
			}
		}
		if corrupt > 0 {
			fmt.Printf("  corrupt:    %d pages, rerun with -pages for details\n", corrupt)
		}
		return
	}

	pages := util.NewTextTable("page", "type", "status", "detail")
	for _, ps := range summary.Pages {
		pages.AddRow(strconv.FormatUint(uint64(ps.PageNo), 10), ps.Type, ps.Status, ps.Detail)
	}
	pages.Render(os.Stdout)
}
