// Command mergequeue-inspect is a break-glass tool that opens a mergequeue
// state.db file directly, outside any running worker or CLI invocation, to
// inspect bucket contents or compact the file. It bypasses pkg/recovery
// entirely: an operator reaching for this tool already knows the store is
// in a state the normal Opener won't touch.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir   = flag.String("data-dir", "./mergequeue-data", "mergequeue data directory")
	bucket    = flag.String("bucket", "", "bucket to inspect (empty lists every bucket with its key count)")
	key       = flag.String("key", "", "print one key's raw value (requires --bucket)")
	compact   = flag.Bool("compact", false, "compact the store into a fresh file, then replace the original")
	dryRun    = flag.Bool("dry-run", false, "with --compact, report what would happen without writing anything")
	backupOut = flag.String("backup", "", "with --compact, path to back up the original file to (default: <data-dir>/state.db.backup)")
)

const dbFileName = "state.db"

func main() {
	flag.Parse()
	log.SetFlags(0)

	dbPath := filepath.Join(*dataDir, dbFileName)
	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("cannot stat %s: %v", dbPath, err)
	}

	if *compact {
		if err := compactStore(dbPath); err != nil {
			log.Fatalf("compact failed: %v", err)
		}
		return
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		log.Fatalf("failed to open %s: %v", dbPath, err)
	}
	defer db.Close()

	if *bucket == "" {
		if err := listBuckets(db); err != nil {
			log.Fatalf("list buckets: %v", err)
		}
		return
	}
	if *key == "" {
		if err := listKeys(db, *bucket); err != nil {
			log.Fatalf("list keys: %v", err)
		}
		return
	}
	if err := printValue(db, *bucket, *key); err != nil {
		log.Fatalf("print value: %v", err)
	}
}

func listBuckets(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		var names []string
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		}); err != nil {
			return err
		}
		sort.Strings(names)
		for _, name := range names {
			b := tx.Bucket([]byte(name))
			count := 0
			_ = b.ForEach(func(_, _ []byte) error { count++; return nil })
			fmt.Printf("%-20s %d keys\n", name, count)
		}
		return nil
	})
}

func listKeys(db *bolt.DB, bucketName string) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("no such bucket: %s", bucketName)
		}
		return b.ForEach(func(k, _ []byte) error {
			fmt.Println(string(k))
			return nil
		})
	})
}

func printValue(db *bolt.DB, bucketName, keyName string) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("no such bucket: %s", bucketName)
		}
		v := b.Get([]byte(keyName))
		if v == nil {
			return fmt.Errorf("no such key: %s", keyName)
		}
		var pretty map[string]any
		if err := json.Unmarshal(v, &pretty); err != nil {
			fmt.Println(string(v))
			return nil
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
}

// compactStore rewrites dbPath into a fresh temp file by copying every
// bucket's keys and values into it, which drops the free-list bloat a
// long-lived store accumulates, then swaps it into place. The original is backed up first unless dryRun.
func compactStore(dbPath string) error {
	if *dryRun {
		log.Printf("[dry run] would back up %s and compact into a fresh file", dbPath)
		return nil
	}

	backupFile := *backupOut
	if backupFile == "" {
		backupFile = dbPath + ".backup"
	}
	log.Printf("backing up %s to %s", dbPath, backupFile)
	if err := copyFile(dbPath, backupFile); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	src, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	tmpPath := dbPath + ".compact.tmp"
	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}

	err = src.View(func(tx *bolt.Tx) error {
		return dst.Update(func(dtx *bolt.Tx) error {
			return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
				nb, err := dtx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return b.ForEach(func(k, v []byte) error {
					return nb.Put(k, v)
				})
			})
		})
	})
	dst.Close()
	src.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("copy failed: %w", err)
	}

	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("failed to replace %s with compacted file: %w", dbPath, err)
	}
	log.Println("compaction complete")
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
