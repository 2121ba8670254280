// Command trackerdemo exercises the Tracker end to end: switch a
// buffer, write to it, flush it to an sstable, add more sstables,
// compact two of them via a lifecycle transaction, then drop one.
// Grounded on the teacher's cmd/test-lsm demo structure.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dd0wney/tracktable/internal/config"
	"github.com/dd0wney/tracktable/pkg/memtable"
	"github.com/dd0wney/tracktable/pkg/notify"
	"github.com/dd0wney/tracktable/pkg/sstable"
	"github.com/dd0wney/tracktable/pkg/tracker"
)

func main() {
	dataDir := "./data/trackerdemo"
	os.RemoveAll(dataDir)

	cfg := config.Engine{
		Keyspace:      "demo_ks",
		Table:         "widgets",
		DataDirectory: dataDir,
		DiskPolicy:    config.DiskPolicy{Mode: "ignore"},
	}

	tr := tracker.New(cfg, nil, nil, nil, nil)

	tr.Subscribe(notify.SubscriberFunc(func(n notify.Notification) error {
		fmt.Printf("  notification: %s (added=%d removed=%d)\n", n.Kind, len(n.Added), len(n.Removed))
		return nil
	}))

	fmt.Println("Switching in the first write-buffer...")
	buf := memtable.New(1, memtable.Position{}, 1<<20)
	if _, err := tr.SwitchBuffer(false, buf); err != nil {
		log.Fatalf("switchBuffer: %v", err)
	}

	fmt.Println("Writing entries...")
	for i := 0; i < 5; i++ {
		buf.Put([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("value%03d", i)))
	}

	fmt.Println("Flushing the buffer to an sstable...")
	if err := tr.MarkFlushing(buf); err != nil {
		log.Fatalf("markFlushing: %v", err)
	}

	flushDesc := sstable.Descriptor{
		Directory:  dataDir + "/demo_ks/widgets-0001",
		Keyspace:   "demo_ks",
		Table:      "widgets",
		TableID:    "0001",
		Generation: 1,
		Format:     "big",
		Component:  "Data",
	}
	interval := sstable.KeyInterval{Min: []byte("key000"), Max: []byte("key004")}
	d, size, err := sstable.Write(flushDesc, int64(len(buf.Iterator())), interval, 0)
	if err != nil {
		log.Fatalf("sstable.Write: %v", err)
	}
	handle, err := sstable.Open(d, size, interval, false)
	if err != nil {
		log.Fatalf("sstable.Open: %v", err)
	}

	if err := tr.ReplaceFlushed(buf, map[sstable.Descriptor]*sstable.Handle{d: handle}, "flush-1"); err != nil {
		log.Fatalf("replaceFlushed: %v", err)
	}

	fmt.Println("Adding a second sstable directly...")
	secondDesc := flushDesc
	secondDesc.Generation = 2
	secondInterval := sstable.KeyInterval{Min: []byte("key005"), Max: []byte("key009")}
	d2, size2, err := sstable.Write(secondDesc, 5, secondInterval, 0)
	if err != nil {
		log.Fatalf("sstable.Write: %v", err)
	}
	handle2, err := sstable.Open(d2, size2, secondInterval, false)
	if err != nil {
		log.Fatalf("sstable.Open: %v", err)
	}
	if err := tr.AddSSTables(context.Background(), map[sstable.Descriptor]*sstable.Handle{d2: handle2}, "STREAM"); err != nil {
		log.Fatalf("addSSTables: %v", err)
	}

	fmt.Println("Compacting both sstables into one, via a lifecycle transaction...")
	txn, err := tr.TryModify([]sstable.Descriptor{d, d2}, "COMPACTION")
	if err != nil {
		log.Fatalf("tryModify: %v", err)
	}
	compactedDesc := flushDesc
	compactedDesc.Generation = 3
	compactedInterval := sstable.KeyInterval{Min: []byte("key000"), Max: []byte("key009")}
	cd, csize, err := sstable.Write(compactedDesc, 10, compactedInterval, 0)
	if err != nil {
		log.Fatalf("sstable.Write: %v", err)
	}
	ch, err := sstable.Open(cd, csize, compactedInterval, false)
	if err != nil {
		log.Fatalf("sstable.Open: %v", err)
	}
	if err := txn.Update(cd, ch); err != nil {
		log.Fatalf("txn.Update: %v", err)
	}
	if err := txn.Commit(); err != nil {
		log.Fatalf("txn.Commit: %v", err)
	}

	view := tr.CurrentView()
	fmt.Printf("\nLive sstables after compaction: %d, total bytes: %d\n", len(view.LiveSSTables), view.TotalBytes())

	fmt.Println("\nDropping the compacted sstable...")
	if err := tr.DropSSTables(func(sstable.Descriptor, *sstable.Handle) bool { return true }, "DROP"); err != nil {
		log.Fatalf("dropSSTables: %v", err)
	}

	view = tr.CurrentView()
	fmt.Printf("Live sstables after drop: %d\n", len(view.LiveSSTables))
	fmt.Println("\ndemo complete")
}
