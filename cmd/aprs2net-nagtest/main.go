// aprs2net-nagtest is the nagios check command for one APRS-IS server:
// it reads the server's status record from redis, prints a single
// status line and exits with the nagios plugin code.
//
// Point it at a poller's database for the local view, or at the DNS
// driver's database for the fleet-wide merged view; both store the
// record under the same key.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hessu/aprs2net-backend/internal/config"
	"github.com/hessu/aprs2net-backend/internal/nagios"
	"github.com/hessu/aprs2net-backend/internal/store"
)

func main() {
	cfgPath := flag.String("config", "/etc/aprs2net/poller.conf", "configuration file")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: aprs2net-nagtest [-config file] T2SERVERID")
		os.Exit(1)
	}
	id := strings.ToUpper(flag.Arg(0))

	code, line := check(*cfgPath, id)
	fmt.Println(line)
	os.Exit(code)
}

func check(cfgPath, id string) (int, string) {
	cfg, err := config.LoadNagios(cfgPath)
	if err != nil {
		return nagios.StateUnknown, fmt.Sprintf("IS UNKNOWN - %v", err)
	}

	redis := store.NewRedis(cfg.Redis.Addr(), cfg.Redis.DB)
	defer redis.Close()
	db := store.NewDB(redis)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := db.GetServerStatus(ctx, id)
	if err != nil {
		return nagios.StateUnknown, fmt.Sprintf("IS UNKNOWN - status lookup failed: %v", err)
	}
	return nagios.Check(id, st)
}
