package aquestalk

// SetAquesTalkKey applies a user license key to an AquesTalk1 or AquesTalk2 library.
func SetAquesTalkKey(libraryPath, key string) error {
	lib, err := openTalk1(libraryPath)
	if err == nil {
		defer lib.lib.Close()
		return lib.SetUsrKey(key)
	}
	lib2, err2 := openTalk2(libraryPath)
	if err2 != nil {
		return err
	}
	defer lib2.Close()
	return lib2.SetUsrKey(key)
}

// SetKanji2KoeKey applies a developer license key to AqKanji2Koe.
func SetKanji2KoeKey(libraryPath, key string) error {
	lib, err := openKanji2Koe(libraryPath)
	if err != nil {
		return err
	}
	defer lib.lib.Close()
	return lib.SetDevKey(key)
}
