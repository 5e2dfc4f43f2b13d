package statsd

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// FrameInfoAtomID is the Atom field number of UIInteractionFrameInfoReported.
const FrameInfoAtomID int32 = 305

const (
	frameInfoInteractionType   protowire.Number = 1
	frameInfoTotalFrames       protowire.Number = 2
	frameInfoMissedFrames      protowire.Number = 3
	frameInfoMaxFrameTimeNanos protowire.Number = 4
	frameInfoSFMissedFrames    protowire.Number = 5
	frameInfoAppMissedFrames   protowire.Number = 6
	frameInfoMaxSuccessive     protowire.Number = 7
)

// FrameInfo is a decoded UIInteractionFrameInfoReported atom.
type FrameInfo struct {
	InteractionType           int32
	TotalFrames               int64
	MissedFrames              int64
	MaxFrameTimeNanos         int64
	SFMissedFrames            int64
	AppMissedFrames           int64
	MaxSuccessiveMissedFrames int64
}

// DecodeFrameInfo decodes the payload of a frame info atom.
func DecodeFrameInfo(b []byte) (FrameInfo, error) {
	fields, err := parseFields(b)
	if err != nil {
		return FrameInfo{}, err
	}

	var info FrameInfo
	for _, f := range fields {
		if f.typ != protowire.VarintType {
			continue
		}
		v := int64(f.varint)
		switch f.num {
		case frameInfoInteractionType:
			info.InteractionType = int32(v)
		case frameInfoTotalFrames:
			info.TotalFrames = v
		case frameInfoMissedFrames:
			info.MissedFrames = v
		case frameInfoMaxFrameTimeNanos:
			info.MaxFrameTimeNanos = v
		case frameInfoSFMissedFrames:
			info.SFMissedFrames = v
		case frameInfoAppMissedFrames:
			info.AppMissedFrames = v
		case frameInfoMaxSuccessive:
			info.MaxSuccessiveMissedFrames = v
		}
	}

	return info, nil
}

// Encode serializes the atom payload.
func (f FrameInfo) Encode() []byte {
	var b []byte
	b = appendVarint(b, frameInfoInteractionType, uint64(f.InteractionType))
	b = appendVarint(b, frameInfoTotalFrames, uint64(f.TotalFrames))
	b = appendVarint(b, frameInfoMissedFrames, uint64(f.MissedFrames))
	b = appendVarint(b, frameInfoMaxFrameTimeNanos, uint64(f.MaxFrameTimeNanos))
	b = appendVarint(b, frameInfoSFMissedFrames, uint64(f.SFMissedFrames))
	b = appendVarint(b, frameInfoAppMissedFrames, uint64(f.AppMissedFrames))

	return appendVarint(b, frameInfoMaxSuccessive, uint64(f.MaxSuccessiveMissedFrames))
}

// interactionNames lists user journeys in jank monitor order. The statsd
// interaction type of entry i is i+1; 0 is reserved for unknown.
var interactionNames = []string{
	"SHADE_EXPAND_COLLAPSE",
	"SHADE_EXPAND_COLLAPSE_LOCK",
	"SHADE_SCROLL_FLING",
	"SHADE_ROW_EXPAND",
	"SHADE_ROW_SWIPE",
	"SHADE_QS_EXPAND_COLLAPSE",
	"SHADE_QS_SCROLL_SWIPE",
	"LAUNCHER_APP_LAUNCH_FROM_RECENTS",
	"LAUNCHER_APP_LAUNCH_FROM_ICON",
	"LAUNCHER_APP_CLOSE_TO_HOME",
	"LAUNCHER_APP_CLOSE_TO_PIP",
	"LAUNCHER_QUICK_SWITCH",
	"NOTIFICATION_HEADS_UP_APPEAR",
	"NOTIFICATION_HEADS_UP_DISAPPEAR",
	"NOTIFICATION_ADD",
	"NOTIFICATION_REMOVE",
	"NOTIFICATION_APP_START",
	"LOCKSCREEN_PASSWORD_APPEAR",
	"LOCKSCREEN_PATTERN_APPEAR",
	"LOCKSCREEN_PIN_APPEAR",
	"LOCKSCREEN_PASSWORD_DISAPPEAR",
	"LOCKSCREEN_PATTERN_DISAPPEAR",
	"LOCKSCREEN_PIN_DISAPPEAR",
	"LOCKSCREEN_TRANSITION_FROM_AOD",
	"LOCKSCREEN_TRANSITION_TO_AOD",
	"LAUNCHER_OPEN_ALL_APPS",
	"LAUNCHER_ALL_APPS_SCROLL",
	"LAUNCHER_APP_LAUNCH_FROM_WIDGET",
	"SETTINGS_PAGE_SCROLL",
	"LOCKSCREEN_UNLOCK_ANIMATION",
	"SHADE_APP_LAUNCH_FROM_HISTORY_BUTTON",
	"SHADE_APP_LAUNCH_FROM_MEDIA_PLAYER",
	"SHADE_APP_LAUNCH_FROM_QS_TILE",
	"SHADE_APP_LAUNCH_FROM_SETTINGS_BUTTON",
	"STATUS_BAR_APP_LAUNCH_FROM_CALL_CHIP",
	"PIP_TRANSITION",
	"WALLPAPER_TRANSITION",
	"USER_SWITCH",
	"SPLASHSCREEN_AVD",
	"SPLASHSCREEN_EXIT_ANIM",
	"SCREEN_OFF",
	"SCREEN_OFF_SHOW_AOD",
}

// UnknownInteraction names interaction types missing from the table.
const UnknownInteraction = "UNKNOWN"

// InteractionName maps a statsd interaction type to its journey name.
func InteractionName(interactionType int32) string {
	i := int(interactionType) - 1
	if i < 0 || i >= len(interactionNames) {
		return UnknownInteraction
	}

	return interactionNames[i]
}

// InteractionType is the inverse of InteractionName. It returns 0 for
// unknown names.
func InteractionType(name string) int32 {
	for i, n := range interactionNames {
		if n == name {
			return int32(i + 1)
		}
	}

	return 0
}
