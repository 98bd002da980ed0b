package link

import (
	"sync"
	"time"

	"svlink/pkg/protocol"
)

// PoseCache holds the most recent pose. Writers replace the whole sample so
// readers never observe a half-updated pose.
type PoseCache struct {
	mu       sync.RWMutex
	pose     protocol.ServerPose
	received time.Time
	seq      uint64
}

func NewPoseCache() *PoseCache {
	return &PoseCache{pose: protocol.NewServerPose(protocol.Vec3{}, protocol.IdentityQuat, 0)}
}

// Store replaces the cached pose and returns its sequence number (1-based).
func (c *PoseCache) Store(pose protocol.ServerPose, at time.Time) uint64 {
	c.mu.Lock()
	c.pose = pose
	c.received = at
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return seq
}

func (c *PoseCache) Load() protocol.ServerPose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pose
}

// Snapshot returns the pose, when it arrived and how many poses preceded it.
// A zero time means nothing has been received yet.
func (c *PoseCache) Snapshot() (protocol.ServerPose, time.Time, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pose, c.received, c.seq
}
