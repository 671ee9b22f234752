package orchestrator

import "fmt"

// ComposeRelayPrompt builds the message that hands sender's line to the
// other agent. changeTopic selects the instruction that steers back toward
// the pair topic.
func ComposeRelayPrompt(sender, message, topic string, changeTopic bool) string {
	prompt := fmt.Sprintf("%s said \"%s\" to you. Reply to it. ", sender, message)
	if changeTopic {
		prompt += fmt.Sprintf("Talk about something other than \"%s\" but related to %s. Gently change the conversation topic. ", message, topic)
	} else {
		prompt += fmt.Sprintf("Talk about something related to %s. ", message)
	}
	prompt += "Definitely, reply to the message. Dont address speaker. Keep the reply short. Do not repeat the same message, or keep asking same question."
	return prompt
}

// OpeningPrompt starts a conversation on topic.
func OpeningPrompt(topic string) string {
	return fmt.Sprintf("Talk about %s.", topic)
}
