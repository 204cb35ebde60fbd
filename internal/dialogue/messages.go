package dialogue

import "fmt"

// Player-facing reply texts. Double parentheses are out-of-character
// instructions, the Mucklet convention for command hints.

const msgRoomChoice = "Happy to set you up with a unit! Do you already have a room " +
	"you would like to connect as your apartment? " +
	"((Reply with the room's #ID to attach it, or `no` to have a fresh one built.))"

func msgHelp(selfName string) string {
	return fmt.Sprintf("looks confused. ((Type `address %[1]s = I would like to lease an apartment.` "+
		"or `address %[1]s = I would like to change my locks.`))", selfName)
}

func msgAlreadyLeased(name string) string {
	return fmt.Sprintf("I'm sorry %s, you already have an apartment with us. "+
		"If you need more space try building off of your existing room.", name)
}

func msgNoApartmentForLocks(name string) string {
	return fmt.Sprintf("I'm sorry %s, I don't have an apartment on file for you, "+
		"so there are no locks to change.", name)
}

func msgLockStub(fallback string) string {
	return fmt.Sprintf("Lock and passcode changes aren't automated yet. "+
		"Please send %s a message and they will sort it out for you.", fallback)
}

func msgAskPassphrase(maxLen int) string {
	return fmt.Sprintf("Of course! Your unit will be keyed to your name plus a passphrase "+
		"of your choosing. ((Reply with a passphrase of at most %d characters: "+
		"letters, digits, underscore or hyphen only.))", maxLen)
}

func msgBadPassphrase(maxLen int) string {
	return fmt.Sprintf("That passphrase won't fit on the keyring, I'm afraid. "+
		"((At most %d characters, letters, digits, underscore or hyphen only. Try again.))", maxLen)
}

func msgNameTooLong(name, fallback string) string {
	return fmt.Sprintf("I'm sorry %s, your name alone fills the whole keyring, "+
		"so I can't cut a passphrase key for you. Please send %s a message and "+
		"they will set you up by hand.", name, fallback)
}

func msgEnqueueFailed(name, fallback string) string {
	return fmt.Sprintf("I am so sorry %s, I can't take new build orders right now. "+
		"Please try again in a little while, or send %s a message.", name, fallback)
}
