package companion

import (
	"math"
	"time"

	"svlink/pkg/protocol"
)

const (
	orbitRollAmplitudeRad  = 10.0 * math.Pi / 180.0
	orbitPitchAmplitudeRad = 15.0 * math.Pi / 180.0

	orbitRollFreqHz  = 0.23
	orbitPitchFreqHz = 0.31

	orbitPitchPhaseRad = math.Pi / 3.0
)

// Orbit is a synthetic headset: it circles the origin at head height while
// looking at the centre, with a small sway in roll and pitch. Each request is
// answered with the pose at now + look-ahead + capture latency.
type Orbit struct {
	Radius float64
	Period time.Duration
	Height float64
	Start  time.Time
}

func NewOrbit(radius float64, period time.Duration, start time.Time) *Orbit {
	if period <= 0 {
		period = 8 * time.Second
	}
	return &Orbit{Radius: radius, Period: period, Height: 1.6, Start: start}
}

func (o *Orbit) Pose(req protocol.ClientToServerPacket, now time.Time) protocol.ServerPose {
	at := now.Add(time.Duration(req.AdditionalOffsetTime)).Add(time.Duration(req.CaptureLatency) * time.Millisecond)
	pos, rot := o.At(at.Sub(o.Start))
	return protocol.NewServerPose(pos, rot, now.UnixNano())
}

// At evaluates the orbit t after Start.
func (o *Orbit) At(t time.Duration) (protocol.Vec3, protocol.Quat) {
	sec := t.Seconds()
	angle := 2.0 * math.Pi * sec / o.Period.Seconds()

	pos := protocol.Vec3{
		X: float32(o.Radius * math.Cos(angle)),
		Y: float32(o.Height),
		Z: float32(o.Radius * math.Sin(angle)),
	}

	// Facing the origin from (cos a, sin a) means a yaw of -(a + pi/2)
	// around +Y in a left-handed, Y-up frame.
	yaw := -(angle + math.Pi/2)
	roll := orbitRollAmplitudeRad * math.Sin(2.0*math.Pi*orbitRollFreqHz*sec)
	pitch := orbitPitchAmplitudeRad * math.Sin(2.0*math.Pi*orbitPitchFreqHz*sec+orbitPitchPhaseRad)
	return pos, eulerQuat(roll, pitch, yaw)
}

// eulerQuat composes yaw (Y), pitch (X) and roll (Z) into a unit quaternion.
func eulerQuat(roll, pitch, yaw float64) protocol.Quat {
	cr, sr := math.Cos(roll*0.5), math.Sin(roll*0.5)
	cp, sp := math.Cos(pitch*0.5), math.Sin(pitch*0.5)
	cy, sy := math.Cos(yaw*0.5), math.Sin(yaw*0.5)

	w := cy*cp*cr + sy*sp*sr
	x := cy*sp*cr + sy*cp*sr
	y := sy*cp*cr - cy*sp*sr
	z := cy*cp*sr - sy*sp*cr

	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	if norm == 0 {
		return protocol.IdentityQuat
	}
	inv := 1.0 / norm
	return protocol.Quat{
		X: float32(x * inv),
		Y: float32(y * inv),
		Z: float32(z * inv),
		W: float32(w * inv),
	}
}
