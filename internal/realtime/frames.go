package realtime

import (
	"encoding/json"
	"time"
)

// Frame is an encoded server to client message. DedupeKey, when set, lets a
// connection drop a frame it has already delivered.
type Frame struct {
	Type      string          `json:"type"`
	DedupeKey string          `json:"dedupeKey,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type authenticatedBody struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type roomBody struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type presenceBody struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type messageBody struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

type roomMessageUpdateBody struct {
	Type        string    `json:"type"`
	RoomID      string    `json:"roomId"`
	LastMessage any       `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type notificationBody struct {
	Type         string `json:"type"`
	Notification any    `json:"notification"`
}

type signalBody struct {
	Type string `json:"type"`
}

func encodeFrame(frameType, dedupeKey string, body any) (Frame, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, DedupeKey: dedupeKey, Data: data}, nil
}

func mustEncodeFrame(frameType string, body any) Frame {
	frame, err := encodeFrame(frameType, "", body)
	if err != nil {
		panic(err)
	}
	return frame
}

func authenticatedFrame(err error) Frame {
	if err != nil {
		return mustEncodeFrame(FrameAuthenticated, authenticatedBody{Type: FrameAuthenticated, Success: false, Error: err.Error()})
	}
	return mustEncodeFrame(FrameAuthenticated, authenticatedBody{Type: FrameAuthenticated, Success: true})
}

func roomFrame(frameType, roomID string) Frame {
	return mustEncodeFrame(frameType, roomBody{Type: frameType, RoomID: roomID})
}

func presenceFrame(frameType, userID, roomID string) Frame {
	return mustEncodeFrame(frameType, presenceBody{Type: frameType, UserID: userID, RoomID: roomID})
}

func errorFrame(err error) Frame {
	return mustEncodeFrame(FrameError, errorBody{Type: FrameError, Message: err.Error()})
}
