package message

import (
	"math"
	"testing"
	"time"
)

func TestChannelTypes(t *testing.T) {
	tests := []struct {
		msg      Typed
		expected string
	}{
		{Twist{}, "geometry_msgs/Twist"},
		{PoseStamped{}, "geometry_msgs/PoseStamped"},
		{PoseWithCovarianceStamped{}, "geometry_msgs/PoseWithCovarianceStamped"},
		{MapMetaData{}, "nav_msgs/MapMetaData"},
		{Image{}, "sensor_msgs/Image"},
		{String{}, "std_msgs/String"},
		{NodeStatus{}, "roverlink/NodeStatus"},
	}

	for _, tt := range tests {
		if got := tt.msg.ChannelType(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestQuaternionFromYaw(t *testing.T) {
	tests := []struct {
		angle float64
		z, w  float64
	}{
		{0, 0, 1},
		{0.5, 1, 0},
		{-0.5, -1, 0},
		{1, 0, -1},
	}

	for _, tt := range tests {
		q := QuaternionFromYaw(tt.angle)
		if math.Abs(q.Z-tt.z) > 1e-9 || math.Abs(q.W-tt.w) > 1e-9 {
			t.Errorf("angle %v: expected z=%v w=%v, got z=%v w=%v", tt.angle, tt.z, tt.w, q.Z, q.W)
		}
		if q.X != 0 || q.Y != 0 {
			t.Errorf("angle %v: expected planar quaternion, got %+v", tt.angle, q)
		}
	}

	for _, angle := range []float64{-0.75, -0.2, 0, 0.3, 0.9} {
		if got := YawFromQuaternion(QuaternionFromYaw(angle)); math.Abs(got-angle) > 1e-9 {
			t.Errorf("round trip of %v gave %v", angle, got)
		}
	}
}

func TestCodecs(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	if err != nil {
		t.Fatalf("Failed to build CBOR codec: %v", err)
	}

	for _, codec := range []Codec{JSONCodec{}, cborCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			in := PoseStamped{
				Header: Header{Seq: 7, Stamp: time.Unix(1700000000, 0).UTC(), FrameID: "map"},
				Pose:   Pose{Position: Point{X: 1.5, Y: -2}, Orientation: QuaternionFromYaw(0.25)},
			}
			data, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			var out PoseStamped
			if err := codec.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if out.Header.FrameID != "map" || out.Pose.Position != in.Pose.Position || !out.Header.Stamp.Equal(in.Header.Stamp) {
				t.Errorf("Decoded value differs: %+v", out)
			}

			if err := codec.Unmarshal([]byte{0xff, 0x00}, &out); err == nil {
				t.Error("Expected error for malformed payload")
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "cbor"} {
		c, err := CodecByName(name)
		if err != nil {
			t.Errorf("CodecByName(%q): %v", name, err)
			continue
		}
		if name != "" && c.Name() != name {
			t.Errorf("Expected codec %s, got %s", name, c.Name())
		}
	}
	if _, err := CodecByName("protobuf"); err == nil {
		t.Error("Expected error for unknown codec")
	}
}
