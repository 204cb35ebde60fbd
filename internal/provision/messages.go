package provision

import (
	"fmt"

	"github.com/xetem/cinnabar-concierge/internal/realm"
)

// msgBuildStarting is spoken to the requester before the concierge leaves to
// build the unit. The double parentheses are out-of-character instructions.
const msgBuildStarting = "Sure thing, let me get that ready for you. " +
	"Please remain here while I do so. " +
	"((Leaving the room before I return will result in an error state.))"

// successMessage is the handover announcement, posed as speech, with the
// navigation commands and the ownership-request reminder out of character.
func successMessage(unit string, requester realm.Char) string {
	return fmt.Sprintf("says, \"Alright, you're all set up with your new apartment. "+
		"Here are your keys, you're in unit %[1]s. Thank you for choosing Cinnabar Prism "+
		"Apartments, we hope you enjoy your stay. Feel free to have a look around the facilities.\"\n"+
		"((You can get there with the commands: `go out`, `go up`, `go apartment %[1]s` "+
		"(or alternatively `go %[2]s` or simply `go %[1]s`) ))\n"+
		"((Make sure to accept the room and area requests in the Realm panel to the far left.))\n\n"+
		"((I will now go in sleep mode, it may take some time for me to respond to more requests. Zzz.))",
		unit, requester.FullName())
}

// apologyMessage names the human fallback contact so a failed build never
// dead-ends the requester.
func apologyMessage(requesterName, fallback string, cause error) string {
	return fmt.Sprintf("says, \"I am so sorry, %[1]s. There seems to have been an issue, "+
		"please send %[2]s a message letting them know you had an issue. "+
		"((use `mail %[2]s = I had a problem leasing an apartment. The error was: '%[3]v'` "+
		"or similar if they're not online))\"",
		requesterName, fallback, cause)
}
