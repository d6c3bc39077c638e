// Package schedule holds commands until they are due and fires them on clock ticks.
package schedule

import (
	"sort"

	"gitlab.com/gomidi/midichain/command"
)

// DefaultLimit is the maximal number of commands executed per drain.
const DefaultLimit = 24

// Drain executes the commands of queue that are due at now, in queue order,
// but no more than limit of them. It returns the commands that were not
// executed, in their original order. A limit <= 0 means no limit.
func Drain(queue []command.Command, now float64, limit int, exec func(command.Command)) (rest []command.Command, executed int) {
	rest = queue[:0:0]
	for _, c := range queue {
		if c.StartAt <= now && (limit <= 0 || executed < limit) {
			exec(c)
			executed++
			continue
		}
		rest = append(rest, c)
	}
	return rest, executed
}

// insert adds cmds to the queue sorted by StartAt. Commands with equal times
// keep the order they were enqueued in.
func insert(queue []command.Command, cmds ...command.Command) []command.Command {
	for _, c := range cmds {
		i := sort.Search(len(queue), func(i int) bool {
			return queue[i].StartAt > c.StartAt
		})
		queue = append(queue, command.Command{})
		copy(queue[i+1:], queue[i:])
		queue[i] = c
	}
	return queue
}
