package astws

// Factory functions for common handlers
func CreateLoggingEventHandler(verbose bool) EventHandler {
	return func(event *Event) {
		if verbose {
			GetGlobalLogger().Infof("Event %s: %+v", event.Type, event.Fields)
		} else {
			GetGlobalLogger().Infof("Event %s %s", event.Type, eventEntityName(event))
		}
	}
}

// CreateEventTypeFilter only passes events with the given type through
// to handler. Useful when a handler is shared across registrations.
func CreateEventTypeFilter(eventType string, handler EventHandler) EventHandler {
	return func(event *Event) {
		if event.Type == eventType {
			handler(event)
		}
	}
}

func CreateConditionalEventHandler(condition func(*Event) bool, handler EventHandler) EventHandler {
	return func(event *Event) {
		if condition(event) {
			handler(event)
		}
	}
}

// SequentialEventHandlers runs handlers in order for each event.
func SequentialEventHandlers(handlers ...EventHandler) EventHandler {
	return func(event *Event) {
		for _, h := range handlers {
			if h != nil {
				h(event)
			}
		}
	}
}

// CreateBufferedEventHandler decouples a slow handler from the dispatch
// loop. Events beyond the buffer are dropped with a warning.
func CreateBufferedEventHandler(bufferSize int, handler EventHandler) EventHandler {
	eventChan := make(chan *Event, bufferSize)

	go func() {
		for event := range eventChan {
			handler(event)
		}
	}()

	return func(event *Event) {
		select {
		case eventChan <- event:
		default:
			GetGlobalLogger().Warn("Event buffer full, dropping event")
		}
	}
}

func CreateErrorLoggingHandler(prefix string) ErrorHandler {
	return func(err *AstError) {
		if err != nil {
			GetGlobalLogger().Errorf("%s Error: %v", prefix, err.Error())
		}
	}
}

// CreateNotificationLoggingHandler logs media notifications as they
// arrive.
func CreateNotificationLoggingHandler() NotificationHandler {
	return func(n *MediaNotification) {
		GetGlobalLogger().Infof("Media notification %s", n.Raw)
	}
}
