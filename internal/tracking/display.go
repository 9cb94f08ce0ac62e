package tracking

import (
	"strings"

	"riderlink/internal/models"
)

// Display is how a status is presented in a timeline.
type Display struct {
	Title       string
	Description string
	Icon        string
}

var displays = map[models.ShipmentStatus]Display{
	models.StatusPending:           {"Pending", "Order placed, waiting for a rider", "clock"},
	models.StatusAssigned:          {"Assigned", "A rider has been assigned", "user-check"},
	models.StatusPickedUp:          {"Picked up", "Package collected from the merchant", "package"},
	models.StatusInTransit:         {"In transit", "On the way", "truck"},
	models.StatusArrivedAtHub:      {"Arrived at hub", "Package reached a sorting hub", "warehouse"},
	models.StatusDispatchedFromHub: {"Dispatched from hub", "Package left the sorting hub", "send"},
	models.StatusOutForDelivery:    {"Out for delivery", "Rider is heading to the recipient", "bike"},
	models.StatusDelivered:         {"Delivered", "Package handed to the recipient", "check-circle"},
	models.StatusCancelled:         {"Cancelled", "Shipment was cancelled", "x-circle"},
	models.StatusReturned:          {"Returned", "Package returned to the merchant", "rotate-ccw"},
}

// DisplayFor looks up the presentation of status. Unknown statuses are
// rendered with their raw name.
func DisplayFor(status models.ShipmentStatus) Display {
	if d, ok := displays[status]; ok {
		return d
	}
	title := strings.ReplaceAll(string(status), "_", " ")
	if title == "" {
		title = "unknown"
	}
	return Display{Title: title, Icon: "circle"}
}
