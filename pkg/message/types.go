// Package message holds the payload types carried on roverlink channels and
// the codecs that put them on the wire.
package message

import (
	"math"
	"time"
)

// Typed is implemented by payload types to declare the wire type identifier
// of the channels that carry them.
type Typed interface {
	ChannelType() string
}

// Header is the common metadata block of stamped messages.
type Header struct {
	Seq     uint32    `json:"seq" cbor:"seq"`
	Stamp   time.Time `json:"stamp" cbor:"stamp"`
	FrameID string    `json:"frame_id" cbor:"frame_id"`
}

type Vector3 struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
}

type Quaternion struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
	Z float64 `json:"z" cbor:"z"`
	W float64 `json:"w" cbor:"w"`
}

type Pose struct {
	Position    Point      `json:"position" cbor:"position"`
	Orientation Quaternion `json:"orientation" cbor:"orientation"`
}

// Twist is a velocity command in free space.
type Twist struct {
	Linear  Vector3 `json:"linear" cbor:"linear"`
	Angular Vector3 `json:"angular" cbor:"angular"`
}

func (Twist) ChannelType() string { return "geometry_msgs/Twist" }

// PoseStamped is a pose with a reference frame and timestamp.
type PoseStamped struct {
	Header Header `json:"header" cbor:"header"`
	Pose   Pose   `json:"pose" cbor:"pose"`
}

func (PoseStamped) ChannelType() string { return "geometry_msgs/PoseStamped" }

type PoseWithCovariance struct {
	Pose       Pose        `json:"pose" cbor:"pose"`
	Covariance [36]float64 `json:"covariance" cbor:"covariance"`
}

// PoseWithCovarianceStamped is an estimated pose with uncertainty.
type PoseWithCovarianceStamped struct {
	Header Header             `json:"header" cbor:"header"`
	Pose   PoseWithCovariance `json:"pose" cbor:"pose"`
}

func (PoseWithCovarianceStamped) ChannelType() string {
	return "geometry_msgs/PoseWithCovarianceStamped"
}

// MapMetaData describes the occupancy grid the rover navigates on.
type MapMetaData struct {
	MapLoadTime time.Time `json:"map_load_time" cbor:"map_load_time"`
	Resolution  float64   `json:"resolution" cbor:"resolution"` // meters per cell
	Width       uint32    `json:"width" cbor:"width"`           // cells
	Height      uint32    `json:"height" cbor:"height"`         // cells
	Origin      Pose      `json:"origin" cbor:"origin"`
}

func (MapMetaData) ChannelType() string { return "nav_msgs/MapMetaData" }

// Image is an uncompressed camera frame.
type Image struct {
	Header      Header `json:"header" cbor:"header"`
	Height      uint32 `json:"height" cbor:"height"`
	Width       uint32 `json:"width" cbor:"width"`
	Encoding    string `json:"encoding" cbor:"encoding"`
	IsBigendian uint8  `json:"is_bigendian" cbor:"is_bigendian"`
	Step        uint32 `json:"step" cbor:"step"` // row length in bytes
	Data        []byte `json:"data" cbor:"data"`
}

func (Image) ChannelType() string { return "sensor_msgs/Image" }

type String struct {
	Data string `json:"data" cbor:"data"`
}

func (String) ChannelType() string { return "std_msgs/String" }

// NodeStatus is the periodic health report of a roverlink process.
type NodeStatus struct {
	NodeID        string    `json:"node_id" cbor:"node_id"`
	Timestamp     time.Time `json:"timestamp" cbor:"timestamp"`
	Peers         int       `json:"peers" cbor:"peers"`
	CPUPercent    float64   `json:"cpu_percent" cbor:"cpu_percent"`
	MemoryUsed    uint64    `json:"memory_used" cbor:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total" cbor:"memory_total"`
	Publishers    int       `json:"publishers" cbor:"publishers"`
	Subscribers   int       `json:"subscribers" cbor:"subscribers"`
	OpenHandles   int       `json:"open_handles" cbor:"open_handles"`
	UptimeSeconds float64   `json:"uptime_seconds" cbor:"uptime_seconds"`
}

func (NodeStatus) ChannelType() string { return "roverlink/NodeStatus" }

// QuaternionFromYaw returns the orientation for angle given in half turns:
// z = sin(angle*pi), w = cos(angle*pi).
func QuaternionFromYaw(angle float64) Quaternion {
	return Quaternion{
		Z: math.Sin(angle * math.Pi),
		W: math.Cos(angle * math.Pi),
	}
}

// YawFromQuaternion is the inverse of QuaternionFromYaw for planar
// orientations. The result is in (-1, 1].
func YawFromQuaternion(q Quaternion) float64 {
	return math.Atan2(q.Z, q.W) / math.Pi
}
