package audio

import "github.com/MrWong99/conversify/pkg/types"

// AudioFrame is the frame type carried by every transport.
type AudioFrame = types.AudioFrame

// VideoFrame is the video frame type carried by every transport.
type VideoFrame = types.VideoFrame
