package objcache

import (
	"context"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/unkn0wn-root/objcache/backend"
	"github.com/unkn0wn-root/objcache/internal/keys"
)

// flushPrefixScript deletes every key matching ARGV[1] in one server-side pass.
const flushPrefixScript = `
local cursor = "0"
local deleted = 0
repeat
  local r = redis.call('SCAN', cursor, 'MATCH', ARGV[1], 'COUNT', ARGV[2])
  cursor = r[1]
  for _, k in ipairs(r[2]) do
    deleted = deleted + redis.call('DEL', k)
  end
until cursor == "0"
return deleted
`

// Flush clears the local tier and then the backend. With SelectiveFlush and
// a prefix only keys under the prefix are removed; otherwise every database
// the engine routes to is flushed. An unhealthy backend yields false with
// only the local tier cleared.
func (e *engine[V]) Flush(ctx context.Context) (bool, error) {
	e.local.Clear()
	if e.degraded.Load() || !e.conn.Healthy() {
		return false, nil
	}

	selective := e.selFlush && e.keys.Salt() != ""
	pattern := e.keys.SaltPattern()
	for _, db := range e.keys.Databases() {
		rt := keys.Route{Group: "*", DB: db}
		err := e.do(ctx, rt, func(cl backend.Client) error {
			if selective {
				_, err := cl.Eval(ctx, flushPrefixScript, nil, pattern, scanCount)
				return err
			}
			return cl.FlushDB(ctx)
		})
		if err != nil {
			return false, e.fail("flush", rt, "", err)
		}
	}
	return true, nil
}

// FlushGroup removes group from both tiers. Unflushable groups are refused.
func (e *engine[V]) FlushGroup(ctx context.Context, group string) (bool, error) {
	if e.keys.Classify(group) == keys.Unflushable {
		return false, nil
	}
	seg := keys.GroupSegment(group)
	removed := e.local.RemoveFunc(func(k string) bool { return strings.Contains(k, seg) })

	rt := e.keys.Derive("", group)
	if !e.remote(rt) {
		return removed > 0, nil
	}

	st := FlushStats{Group: rt.Group}
	pattern := e.keys.GroupPattern(group)
	unlink := supportsUnlink(e.conn.Version())
	start := time.Now()
	err := e.do(ctx, rt, func(cl backend.Client) error {
		return scanDelete(ctx, cl, pattern, unlink, &st)
	})
	st.Elapsed = time.Since(start)
	e.stats.flushed(st)

	if st.Deleted > largeFlush || st.Elapsed > slowFlush {
		e.log.Info("group flushed", Fields{
			"group": st.Group, "scanned": st.Scanned, "deleted": st.Deleted,
			"batches": st.Batches, "elapsed": st.Elapsed.String(),
		})
		e.hooks.GroupFlushed(st.Group, st)
	}
	if err != nil {
		return false, e.fail("flush_group", rt, "", err)
	}
	return st.Deleted > 0, nil
}

// scanDelete walks pattern with SCAN until the cursor wraps to 0 and deletes
// every page, with UNLINK when available or pipelined DEL otherwise.
func scanDelete(ctx context.Context, cl backend.Client, pattern string, unlink bool, st *FlushStats) error {
	var cursor uint64
	for {
		page, next, err := cl.Scan(ctx, cursor, pattern, scanCount)
		if err != nil {
			return err
		}
		st.Batches++
		st.Scanned += int64(len(page))
		if len(page) > 0 {
			if err := deletePage(ctx, cl, page, unlink, st); err != nil {
				return err
			}
		}
		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

func deletePage(ctx context.Context, cl backend.Client, page []string, unlink bool, st *FlushStats) error {
	if unlink {
		n, err := cl.Unlink(ctx, page...)
		st.Deleted += n
		return err
	}
	for _, chunk := range chunk(page, pipelineSize) {
		cmds := make([]backend.Cmd, len(chunk))
		for i, k := range chunk {
			cmds[i] = backend.Cmd{Op: backend.OpDel, Key: k}
		}
		res, err := cl.Pipeline(ctx, cmds, false)
		if err != nil {
			return err
		}
		for _, r := range res {
			st.Deleted += r.N
		}
	}
	return nil
}

// supportsUnlink is true from server 6.0.0 on. Unknown versions use DEL.
func supportsUnlink(version string) bool {
	v := "v" + version
	return semver.IsValid(v) && semver.Compare(v, "v6.0.0") >= 0
}
