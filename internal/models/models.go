package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type Role string

const (
	RoleRider    Role = "rider"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a chat message attached to a shipment conversation.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id,omitempty"` // Correlation key generated by the sending client
	ConversationID string        `json:"shipment_id,omitempty"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	DeliveryState  DeliveryState `json:"-"`
}

// SendMessageRequest is the body of an outbound chat message.
type SendMessageRequest struct {
	ShipmentID string `json:"-"`
	Content    string `json:"content"`
	ClientID   string `json:"client_id"`
}

// NewMessageEvent is the payload of the chat:new-message realtime event.
type NewMessageEvent struct {
	ShipmentID string  `json:"shipmentId"`
	Message    Message `json:"message"`
}

type ShipmentStatus string

const (
	StatusPending           ShipmentStatus = "pending"
	StatusAssigned          ShipmentStatus = "assigned"
	StatusPickedUp          ShipmentStatus = "picked_up"
	StatusInTransit         ShipmentStatus = "in_transit"
	StatusArrivedAtHub      ShipmentStatus = "arrived_at_hub"
	StatusDispatchedFromHub ShipmentStatus = "dispatched_from_hub"
	StatusOutForDelivery    ShipmentStatus = "out_for_delivery"
	StatusDelivered         ShipmentStatus = "delivered"
	StatusCancelled         ShipmentStatus = "cancelled"
	StatusReturned          ShipmentStatus = "returned"
)

// Terminal reports whether no further status is expected after s.
func (s ShipmentStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// ShipmentStatusEvent is one entry of a shipment tracking history.
type ShipmentStatusEvent struct {
	ID            string         `json:"id"`
	ShipmentID    string         `json:"shipment_id,omitempty"`
	Status        ShipmentStatus `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	Note          string         `json:"note,omitempty"`
	LocationLabel string         `json:"location_label,omitempty"`
}

// ShipmentSnapshot is the locally held view of a shipment.
// Status always mirrors the latest event in History when History is not empty.
type ShipmentSnapshot struct {
	ShipmentID      string                `json:"shipment_id"`
	Status          ShipmentStatus        `json:"status"`
	History         []ShipmentStatusEvent `json:"history"`
	AssignedRiderID string                `json:"assigned_rider_id,omitempty"`
}

// ShipmentDetail is the shipment-detail response of the REST API.
type ShipmentDetail struct {
	ID              string                `json:"id"`
	Status          ShipmentStatus        `json:"status"`
	TrackingHistory []ShipmentStatusEvent `json:"tracking_history"`
	AssignedRiderID string                `json:"assigned_rider_id,omitempty"`
}

// StatusUpdatedEvent is the payload of the shipment:status-updated realtime event.
type StatusUpdatedEvent struct {
	ShipmentID string              `json:"shipmentId"`
	Event      ShipmentStatusEvent `json:"event"`
}
