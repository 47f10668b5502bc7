// Command discover lists encounter servers advertised on the local network.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"dndtracker/internal/discovery"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "how long to listen for advertisements")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Printf("browsing for %s services...", discovery.ServiceType)
	peers, err := discovery.Browse(ctx)
	if err != nil {
		log.Fatalf("failed to browse: %v", err)
	}
	if len(peers) == 0 {
		log.Println("no encounter servers found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tURL\tVERSION")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Instance, p.URL(), p.Version())
	}
	_ = w.Flush()
}
