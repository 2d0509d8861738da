// Command casgc prunes the content-addressed chunk-dedup store of
// entries older than -max-age. Deletion is irreversible, so an
// interactive run asks for confirmation before touching the database;
// -yes skips the prompt for scripted/cron use.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Sher110106/resilient-transfer/daemon/manager"
)

func main() {
	path := flag.String("db", "cas.db", "Path to Bolt CAS DB")
	maxAge := flag.Duration("max-age", 24*time.Hour, "Max age for CAS entries")
	yes := flag.Bool("yes", false, "Skip the interactive confirmation prompt")
	flag.Parse()

	if !*yes && !confirm(*path, *maxAge) {
		fmt.Println("aborted")
		os.Exit(1)
	}

	cas, err := manager.OpenBoltCAS(*path)
	if err != nil {
		panic(err)
	}
	defer cas.Close()
	removed, err := cas.GC(*maxAge)
	if err != nil {
		panic(err)
	}
	fmt.Printf("CAS GC removed %d entries older than %s\n", removed, maxAge.String())
}

// confirm prompts for a y/N answer before a destructive run. When
// stdin isn't a terminal (piped input, CI) it defaults to declining
// rather than blocking on a read that will never come.
func confirm(path string, maxAge time.Duration) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Printf("remove CAS entries in %s older than %s? [y/N] ", path, maxAge)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
