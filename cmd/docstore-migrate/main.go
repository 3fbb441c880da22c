package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// bucketLegacyCheckpoint is the pre-registry checkpoint bucket: one
// key per collection, value a raw big-endian uint64 watermark with no
// checkpoint ID and no JSON envelope.
var bucketLegacyCheckpoint = []byte("checkpoint")

// bucketCheckpoints is the current schema, matching pkg/txn's
// CheckpointRegistry: JSON-encoded {id, persisted_sequence} records.
var bucketCheckpoints = []byte("checkpoints")

type checkpointRecord struct {
	ID                string `json:"id"`
	PersistedSequence uint64 `json:"persisted_sequence"`
}

var (
	dataDir      = flag.String("data-dir", "./docstore-data", "docstore data directory")
	registryFile = flag.String("registry-file", "checkpoints.db", "checkpoint registry filename, relative to data-dir")
	dryRun       = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath   = flag.String("backup", "", "path to back up the registry before migration (default: <registry>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("docstore checkpoint registry migration tool")
	log.Println("============================================")

	dbPath := filepath.Join(*dataDir, *registryFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("checkpoint registry not found at %s", dbPath)
	}

	log.Printf("Registry: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("✓ backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		log.Fatalf("failed to open registry: %v", err)
	}
	defer db.Close()

	if err := migrateLegacyCheckpoints(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ migration completed successfully!")
		log.Println("Old 'checkpoint' bucket has been preserved for rollback if needed.")
		log.Println("After verifying the migration, you can manually delete it using:")
		log.Printf("  bolt db rm %s checkpoint", dbPath)
	}
}

// migrateLegacyCheckpoints copies every entry of the pre-registry
// "checkpoint" bucket (raw big-endian uint64 watermarks, one per
// collection) into the current "checkpoints" bucket, wrapping each as
// a JSON checkpointRecord with a synthesized ID, exactly as
// pkg/txn.CheckpointRegistry.Record would have written it.
func migrateLegacyCheckpoints(db *bolt.DB, dryRun bool) error {
	var legacyCount int

	err := db.View(func(tx *bolt.Tx) error {
		legacy := tx.Bucket(bucketLegacyCheckpoint)
		if legacy == nil {
			log.Println("✓ no legacy 'checkpoint' bucket found - registry is already using the current schema")
			return nil
		}

		current := tx.Bucket(bucketCheckpoints)
		if current != nil {
			log.Println("⚠ warning: both 'checkpoint' and 'checkpoints' buckets exist")
		}

		return legacy.ForEach(func(k, v []byte) error {
			legacyCount++
			return nil
		})
	})
	if err != nil {
		return err
	}

	if legacyCount == 0 {
		log.Println("✓ no legacy checkpoint entries found to migrate")
		return nil
	}
	log.Printf("found %d legacy checkpoint entries to migrate", legacyCount)

	var migratedCount int
	err = db.Update(func(tx *bolt.Tx) error {
		legacy := tx.Bucket(bucketLegacyCheckpoint)
		if legacy == nil {
			return nil
		}

		if dryRun {
			log.Println("\n[DRY RUN] Would perform the following operations:")
			log.Println("1. Create 'checkpoints' bucket")
			log.Println("2. Decode each raw watermark and wrap it as a JSON checkpoint record")
			log.Printf("3. Migrate %d checkpoint entries", legacyCount)
			log.Println("4. Preserve 'checkpoint' bucket for rollback")
			return nil
		}

		current, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		if err != nil {
			return fmt.Errorf("create checkpoints bucket: %w", err)
		}

		log.Println("\nmigrating legacy checkpoints...")
		err = legacy.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				log.Printf("⚠ warning: skipping malformed watermark for collection %s (want 8 bytes, got %d)", k, len(v))
				return nil
			}
			rec := checkpointRecord{
				ID:                fmt.Sprintf("migrated-%s", k),
				PersistedSequence: binary.BigEndian.Uint64(v),
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal migrated record for %s: %w", k, err)
			}
			if err := current.Put(k, data); err != nil {
				return fmt.Errorf("write migrated record for %s: %w", k, err)
			}
			migratedCount++
			if migratedCount%10 == 0 {
				log.Printf("  migrated %d/%d...", migratedCount, legacyCount)
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Printf("✓ migrated %d/%d checkpoint entries", migratedCount, legacyCount)
		log.Println("✓ preserved 'checkpoint' bucket for rollback")
		return nil
	})

	return err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
