package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const keyAvail = "aprs2.avail"

const (
	daySecs    = 86400
	availDays  = 30
	availPrune = 7
)

// UpdateAvail adds tdif seconds of up or down time to a server's
// availability ledger and returns the 3 day and 30 day availability
// percentages. Counters live in daily buckets per server, and buckets
// past the 30 day window are pruned on the way.
func (db *DB) UpdateAvail(ctx context.Context, id string, tdif int64, up bool, now int64) (avail3, avail30 float64, err error) {
	nowDay := now - now%daySecs

	dir := "down"
	if up {
		dir = "up"
	}
	if _, err = db.s.HIncrBy(ctx, keyAvail, availField(id, nowDay, dir), tdif); err != nil {
		return 0, 0, err
	}

	fields := make([]string, 0, availDays*2)
	for i := int64(0); i < availDays; i++ {
		day := nowDay - i*daySecs
		fields = append(fields, availField(id, day, "up"), availField(id, day, "down"))
	}
	vals, err := db.s.HMGet(ctx, keyAvail, fields...)
	if err != nil {
		return 0, 0, err
	}

	ups := make([]float64, availDays)
	downs := make([]float64, availDays)
	for i := 0; i < availDays; i++ {
		ups[i] = availCount(vals[i*2])
		downs[i] = availCount(vals[i*2+1])
	}

	// The newest bucket covers only part of a day, so the fourth
	// bucket is weighted by the remainder to keep the short window
	// at three full days.
	f := 1.0 - float64(now%daySecs)/float64(daySecs)
	upSum, totSum := 0.0, 0.0
	for i := 0; i < 3; i++ {
		upSum += ups[i]
		totSum += ups[i] + downs[i]
	}
	upSum += ups[3] * f
	totSum += (ups[3] + downs[3]) * f
	avail3 = availPct(upSum, totSum)

	upSum, totSum = 0.0, 0.0
	for i := 0; i < availDays; i++ {
		upSum += ups[i]
		totSum += ups[i] + downs[i]
	}
	avail30 = availPct(upSum, totSum)

	old := make([]string, 0, availPrune*2)
	for i := int64(availDays + 1); i <= availDays+availPrune; i++ {
		day := nowDay - i*daySecs
		old = append(old, availField(id, day, "up"), availField(id, day, "down"))
	}
	if err := db.s.HDel(ctx, keyAvail, old...); err != nil {
		return 0, 0, err
	}

	return avail3, avail30, nil
}

// DelAvail drops every availability bucket kept for a server.
func (db *DB) DelAvail(ctx context.Context, id string) error {
	keys, err := db.s.HKeys(ctx, keyAvail)
	if err != nil {
		return err
	}
	prefix := id + "."
	fields := make([]string, 0, 8)
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			fields = append(fields, k)
		}
	}
	return db.s.HDel(ctx, keyAvail, fields...)
}

func availField(id string, day int64, dir string) string {
	return fmt.Sprintf("%s.%d.%s", id, day, dir)
}

func availCount(v *string) float64 {
	if v == nil {
		return 0
	}
	n, err := strconv.ParseInt(*v, 10, 64)
	if err != nil {
		return 0
	}
	return float64(n)
}

func availPct(up, tot float64) float64 {
	if tot <= 0 {
		return 100
	}
	return up / tot * 100
}
