package pos

// Reward schedule constants, in base units.
const (
	defaultBaseReward uint64 = 50_0000_0000 // 50 coins at 8 decimals.
	halvingInterval   uint64 = 100_000
	minBlockReward    uint64 = 1_0000_0000 // 1 coin floor.
	maxHalvingShifts         = 63
)

// Schedule returns the reward function rooted at the given base block
// reward. The reward halves every halvingInterval blocks and never drops
// below the floor. A zero base selects the default.
func Schedule(base uint64) func(height uint64) uint64 {
	if base == 0 {
		base = defaultBaseReward
	}
	return func(height uint64) uint64 {
		shifts := height / halvingInterval
		if shifts > maxHalvingShifts {
			return minBlockReward
		}
		reward := base >> shifts
		if reward < minBlockReward {
			return minBlockReward
		}
		return reward
	}
}

// RewardAt is the schedule at the default base reward.
var RewardAt = Schedule(0)
