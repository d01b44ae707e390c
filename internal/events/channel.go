package events

import "github.com/kelindar/event"

// SubscribeToChannel bridges a callback subscription to a channel so one
// select loop can consume several event types. Events are dropped when ch
// is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
