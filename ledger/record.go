package ledger

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	ClipExtension     = ".mp4"
	MetadataExtension = ".json"
	ClipPrefix        = "swing_"
)

// BallData is what a launch monitor reports about the ball. Every field is
// optional since monitors differ in what they measure.
type BallData struct {
	BallSpeed       *float64 `json:"ballSpeed,omitempty"`       // mph or km/h
	LaunchAngle     *float64 `json:"launchAngle,omitempty"`     // degrees
	LaunchDirection *float64 `json:"launchDirection,omitempty"` // degrees, positive = right
	SpinRate        *int     `json:"spinRate,omitempty"`        // rpm
	SpinAxis        *float64 `json:"spinAxis,omitempty"`        // degrees
	BackSpin        *int     `json:"backSpin,omitempty"`        // rpm
	SideSpin        *int     `json:"sideSpin,omitempty"`        // rpm, positive = right
	CarryDistance   *float64 `json:"carryDistance,omitempty"`
	TotalDistance   *float64 `json:"totalDistance,omitempty"`
	MaxHeight       *float64 `json:"maxHeight,omitempty"`
	LandingAngle    *float64 `json:"landingAngle,omitempty"`
	HangTime        *float64 `json:"hangTime,omitempty"` // seconds
}

// ClubData is what a launch monitor reports about the club.
type ClubData struct {
	ClubSpeed   *float64 `json:"clubSpeed,omitempty"`
	ClubPath    *float64 `json:"clubPath,omitempty"`    // degrees, positive = in-to-out
	FaceAngle   *float64 `json:"faceAngle,omitempty"`   // degrees, positive = open
	FaceToPath  *float64 `json:"faceToPath,omitempty"`  // degrees
	AttackAngle *float64 `json:"attackAngle,omitempty"` // degrees, positive = up
	DynamicLoft *float64 `json:"dynamicLoft,omitempty"`
	SmashFactor *float64 `json:"smashFactor,omitempty"`
	LowPoint    *float64 `json:"lowPoint,omitempty"` // inches
	ClubType    *string  `json:"clubType,omitempty"` // e.g. "Driver", "7-iron"
}

// ShotMetadata groups the two independently arriving halves of a shot.
type ShotMetadata struct {
	BallData  *BallData `json:"ballData,omitempty"`
	ClubData  *ClubData `json:"clubData,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix millis of the last change
}

// Merge returns m with every non-nil part of update applied. BallData and
// ClubData are replaced wholesale, never merged field by field.
func (m *ShotMetadata) Merge(update ShotMetadata, now time.Time) *ShotMetadata {
	merged := ShotMetadata{}
	if m != nil {
		merged = *m
	}
	if update.BallData != nil {
		merged.BallData = update.BallData
	}
	if update.ClubData != nil {
		merged.ClubData = update.ClubData
	}
	merged.Timestamp = now.UnixMilli()
	return &merged
}

// Record is one clip in the ledger. ByteSize == 0 means the clip is still
// being extracted.
type Record struct {
	ID           string        `json:"filename"`
	CreatedAt    time.Time     `json:"timestamp"`
	DurationMs   int           `json:"duration"`
	ByteSize     int64         `json:"fileSize"`
	FilePath     string        `json:"filePath"`
	ShotMetadata *ShotMetadata `json:"shotMetadata,omitempty"`
}

// Ready reports whether the clip behind the record has been written.
func (r Record) Ready() bool {
	return r.ByteSize > 0
}

// NewClipID names a clip after the moment it was triggered.
func NewClipID(t time.Time) string {
	return fmt.Sprintf("%s%s_%03d%s", ClipPrefix, t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond), ClipExtension)
}

// ValidID rejects anything that is not a bare clip filename.
func ValidID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	if filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return false
	}
	return strings.HasSuffix(id, ClipExtension)
}

func metadataName(id string) string {
	return strings.TrimSuffix(id, ClipExtension) + MetadataExtension
}
