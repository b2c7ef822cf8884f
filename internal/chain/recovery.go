package chain

import (
	"fmt"
)

// reconcile repairs divergence between the database and the mirror file
// after a crash. The longer valid prefix wins: missing mirror records are
// replayed from the database, and database blocks missing from a longer
// mirror are re-applied from it. A diverged tip at equal height trusts the
// database, since its writes are transactional.
func (c *Chain) reconcile() error {
	mirrored, err := c.mirror.ReadAll()
	if err != nil {
		return fmt.Errorf("read mirror: %w", err)
	}

	// Trim the mirror to its contiguous valid prefix from height 0.
	valid := 0
	for i, blk := range mirrored {
		if blk.Header.Height != uint64(i) {
			break
		}
		if i > 0 && blk.Header.ParentHash != mirrored[i-1].Hash() {
			break
		}
		valid = i + 1
	}
	mirrored = mirrored[:valid]

	dbCount := uint64(0)
	if c.hasTip {
		dbCount = c.height + 1
	}
	mCount := uint64(len(mirrored))

	switch {
	case dbCount == mCount && dbCount == 0:
		return nil

	case mCount > dbCount:
		// The database is behind. Replay the missing blocks through the
		// normal append path, skipping consensus verification: they were
		// committed before the crash. The mirror is detached during the
		// replay so records it already holds are not appended twice.
		c.logger.Warn().
			Uint64("db_blocks", dbCount).
			Uint64("mirror_blocks", mCount).
			Msg("Database behind mirror, replaying")
		saved := c.mirror
		c.mirror = nil
		for _, blk := range mirrored[dbCount:] {
			if err := c.appendLocked(blk, false); err != nil {
				c.mirror = saved
				return fmt.Errorf("replay block %d: %w", blk.Header.Height, err)
			}
		}
		c.mirror = saved
		return nil

	case dbCount > mCount:
		// The mirror is behind or damaged. Rebuild it from the database.
		c.logger.Warn().
			Uint64("db_blocks", dbCount).
			Uint64("mirror_blocks", mCount).
			Msg("Mirror behind database, rewriting")
		return c.rewriteMirrorFromDB()

	default:
		// Same length. Check the tips actually agree.
		if mCount > 0 && mirrored[mCount-1].Hash() != c.tipHash {
			c.logger.Warn().
				Uint64("height", c.height).
				Msg("Mirror tip diverged from database, rewriting")
			return c.rewriteMirrorFromDB()
		}
		return nil
	}
}

func (c *Chain) rewriteMirrorFromDB() error {
	blocks, err := c.collectBlocks(0, c.height)
	if err != nil {
		return fmt.Errorf("collect blocks: %w", err)
	}
	return c.mirror.Rewrite(blocks)
}
