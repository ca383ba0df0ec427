// waldump prints the node state and entries of an audit trail directory
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	api "github.com/DevStudy/raftwal/api/v1"
	"github.com/DevStudy/raftwal/wal"
)

func main() {
	dir := flag.String("dir", "", "audit trail directory")
	records := flag.Uint("records", 0, "records per partition the log was created with")
	flag.Parse()
	if *dir == "" || *records < 2 {
		flag.Usage()
		log.Fatal("both -dir and -records are required")
	}

	l, err := wal.Open(*dir, wal.Config{RecordsPerPartition: uint32(*records)})
	if err != nil {
		log.Fatal(err)
	}
	defer l.Close()

	fmt.Printf("term=%d commit=%d last=%d\n", l.Term(), l.LastIndex(true), l.LastIndex(false))

	err = l.RangeFrom(context.Background(), 0,
		func(entries []*api.Entry, snapshotIndex uint64) error {
			if snapshotIndex > 0 {
				fmt.Printf("snapshot index=%d\n", snapshotIndex)
			}
			for _, e := range entries {
				kind := "entry"
				if e.IsSnapshot {
					kind = "snapshot"
				}
				fmt.Printf("%-8s index=%-6d term=%-4d len=%d\n", kind, e.Index, e.Term, len(e.Payload))
			}
			return nil
		})
	if err != nil {
		log.Fatal(err)
	}
}
