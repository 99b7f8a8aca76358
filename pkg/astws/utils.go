package astws

// Helper functions for type assertions on opaque event payloads
func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	if val, ok := data[key]; ok {
		if num, ok := val.(float64); ok {
			return int(num)
		}
		if num, ok := val.(int); ok {
			return num
		}
	}
	return 0
}

func getMap(data map[string]interface{}, key string) map[string]interface{} {
	if val, ok := data[key]; ok {
		if m, ok := val.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// Channel returns the event's channel sub-object, or nil.
func (e *Event) Channel() map[string]interface{} {
	return getMap(e.Fields, "channel")
}

// ChannelID returns the event's channel id, or "".
func (e *Event) ChannelID() string {
	return getString(e.Channel(), "id")
}

// ChannelName returns the event's channel name, or "".
func (e *Event) ChannelName() string {
	return getString(e.Channel(), "name")
}

// AppData returns the dialplan app_data of the event's channel, used by
// the examples to tell incoming legs from websocket legs.
func (e *Event) AppData() string {
	return getString(getMap(e.Channel(), "dialplan"), "app_data")
}

// Peer returns the event's peer channel sub-object (Dial events), or
// nil.
func (e *Event) Peer() map[string]interface{} {
	return getMap(e.Fields, "peer")
}

// PeerName returns the Dial event's peer channel name, or "".
func (e *Event) PeerName() string {
	return getString(e.Peer(), "name")
}

// PeerID returns the Dial event's peer channel id, or "".
func (e *Event) PeerID() string {
	return getString(e.Peer(), "id")
}

// DialStatus returns the Dial event's dialstatus field, or "".
func (e *Event) DialStatus() string {
	return getString(e.Fields, "dialstatus")
}

// PeerChannelVar returns a channelvars entry of the Dial event's peer,
// such as MEDIA_WEBSOCKET_CONNECTION_ID.
func (e *Event) PeerChannelVar(name string) string {
	return getString(getMap(e.Peer(), "channelvars"), name)
}

// String returns a field of the event payload as a string, or "".
func (e *Event) String(key string) string {
	return getString(e.Fields, key)
}

// Int returns a field of the event payload as an int, or 0.
func (e *Event) Int(key string) int {
	return getInt(e.Fields, key)
}
