package protocol

import (
	"fmt"
	"time"

	"github.com/hoshizora/clearshare/internal/share"
	"github.com/hoshizora/clearshare/internal/vclock"
	"github.com/hoshizora/clearshare/internal/wire"
)

// handleUpdate integrates one batch of remote manifest rows, valid in
// both CONNECTED (an unsolicited push) and GET_UPDATES (the reply to our
// own GetUpdates), per spec.md §4.5.3/§4.5.4. A NeedsFetch result
// enqueues a Get; msg.Partial keeps the connection in GET_UPDATES for
// the remaining batches.
func handleUpdate(c *Conn, msg wire.Message) (Effects, error) {
	for _, fe := range msg.Files {
		mf, err := fromFileEntry(fe)
		if err != nil {
			return Effects{}, fmt.Errorf("protocol: update: %w", err)
		}
		res, err := c.Index.ApplyRemoteUpdate(mf)
		if err != nil {
			return Effects{}, fmt.Errorf("protocol: apply_remote_update %s: %w", mf.Path, err)
		}
		if res.Accepted && res.NeedsFetch {
			c.enqueueGet(res.Checksum)
		}
	}

	if msg.Partial {
		c.state = StateGetUpdates
	} else {
		c.state = StateConnected
	}

	return c.tryDispatchNext(), nil
}

// fromFileEntry is the wire-to-manifest conversion for ApplyRemoteUpdate.
// paths[0] is canonical (DESIGN.md Open Question 2); Decode already
// rejects an empty paths array.
func fromFileEntry(fe wire.FileEntry) (share.MFile, error) {
	mtime, err := time.Parse(time.RFC3339, fe.Mtime)
	if err != nil {
		return share.MFile{}, fmt.Errorf("bad mtime %q: %w", fe.Mtime, err)
	}
	return share.MFile{
		Path:           fe.Paths[0],
		Mtime:          mtime,
		Size:           fe.Size,
		Mode:           fe.Mode,
		Deleted:        fe.Deleted,
		Checksum:       fe.Checksum,
		LastChangedRev: fe.LastChangedRev,
		LastChangedBy:  fe.LastChangedBy,
		VClock:         vclock.FromMap(fe.VClock),
	}, nil
}
