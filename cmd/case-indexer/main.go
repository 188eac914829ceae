// Package main 案例批量入库 CLI：读取目录下的 *.json 源记录，写入结构化存储与向量索引
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"moldcase-kb-api/internal/config"
	"moldcase-kb-api/internal/infrastructure/persistence/milvus"
	"moldcase-kb-api/internal/wire"
	"moldcase-kb-api/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	var (
		dir          = flag.String("dir", "", "源记录目录（包含 *.json 文件）")
		skipExisting = flag.Bool("skip-existing", true, "内容哈希未变的案例直接跳过")
		rebuildIndex = flag.Bool("rebuild-index", false, "入库前重建两个向量索引（释放集合后重新建索引并加载）")
	)
	flag.Parse()

	if *dir == "" && !*rebuildIndex {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()

	app, cleanup, err := wire.InitializeApp(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize app: %v", err)
	}
	defer cleanup()

	if *rebuildIndex {
		for _, coll := range []string{milvus.CollectionCaseIndex, milvus.CollectionIssueIndex} {
			fmt.Printf("Rebuilding index for %s...\n", coll)
			if err := app.VectorRepo.RebuildIndex(ctx, coll); err != nil {
				log.Fatalf("rebuild index %s failed: %v", coll, err)
			}
		}
		if *dir == "" {
			return
		}
	}

	fmt.Printf("Ingesting source records from %s...\n", *dir)

	result, err := app.Indexer.BatchIngest(ctx, *dir, *skipExisting)
	if err != nil {
		log.Fatalf("batch ingest failed: %v", err)
	}

	fmt.Printf("Indexed: %d, skipped: %d\n", result.IndexedCount, result.SkippedCount)
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}
