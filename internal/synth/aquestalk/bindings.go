// Package aquestalk binds the AquesTalk1, AquesTalk2 and AqKanji2Koe vendor
// libraries and exposes them as synthesis backends and a phonemizer.
package aquestalk

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/loqalabs/loqa-voicerelay/internal/synth/native"
)

// CodeError is a non-zero status returned by a vendor function.
type CodeError struct {
	Func string
	Code int32
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s returned error code %d", e.Func, e.Code)
}

type talk1Library struct {
	lib    *native.Library
	synthe func(koe string, speed int32, size *int32) uintptr
	free   func(wav uintptr)
	setKey func(key string) int32
}

func openTalk1(path string) (*talk1Library, error) {
	lib, err := native.Open(path)
	if err != nil {
		return nil, err
	}
	t := &talk1Library{lib: lib}
	if err := lib.Bind(&t.synthe, "AquesTalk_Synthe_Utf8"); err != nil {
		lib.Close()
		return nil, err
	}
	if err := lib.Bind(&t.free, "AquesTalk_FreeWave"); err != nil {
		lib.Close()
		return nil, err
	}
	if err := lib.Bind(&t.setKey, "AquesTalk_SetUsrKey"); err != nil {
		t.setKey = nil
	}
	return t, nil
}

func (t *talk1Library) Synthe(koe string, speed int) ([]byte, error) {
	var size int32
	wav := t.synthe(koe, int32(speed), &size)
	if wav == 0 {
		return nil, &CodeError{Func: "AquesTalk_Synthe_Utf8", Code: size}
	}
	defer t.free(wav)
	return native.CopyBytes(wav, int(size)), nil
}

func (t *talk1Library) SetUsrKey(key string) error {
	if t.setKey == nil {
		return fmt.Errorf("AquesTalk_SetUsrKey not exported by %s", t.lib.Path)
	}
	if code := t.setKey(key); code != 0 {
		return &CodeError{Func: "AquesTalk_SetUsrKey", Code: code}
	}
	return nil
}

type talk2Library struct {
	lib    *native.Library
	synthe func(koe string, speed int32, size *int32, phont unsafe.Pointer) uintptr
	free   func(wav uintptr)
	setKey func(key string) int32
}

func openTalk2(path string) (*talk2Library, error) {
	lib, err := native.Open(path)
	if err != nil {
		return nil, err
	}
	t := &talk2Library{lib: lib}
	if err := lib.Bind(&t.synthe, "AquesTalk2_Synthe_Utf8"); err != nil {
		lib.Close()
		return nil, err
	}
	if err := lib.Bind(&t.free, "AquesTalk2_FreeWave"); err != nil {
		lib.Close()
		return nil, err
	}
	if err := lib.Bind(&t.setKey, "AquesTalk_SetUsrKey"); err != nil {
		t.setKey = nil
	}
	return t, nil
}

// Synthe renders koe with the given phont data. A nil phont selects the
// library's built-in voice.
func (t *talk2Library) Synthe(koe string, speed int, phont []byte) ([]byte, error) {
	var size int32
	var ptr unsafe.Pointer
	if len(phont) > 0 {
		ptr = unsafe.Pointer(&phont[0])
	}
	wav := t.synthe(koe, int32(speed), &size, ptr)
	runtime.KeepAlive(phont)
	if wav == 0 {
		return nil, &CodeError{Func: "AquesTalk2_Synthe_Utf8", Code: size}
	}
	defer t.free(wav)
	return native.CopyBytes(wav, int(size)), nil
}

func (t *talk2Library) SetUsrKey(key string) error {
	if t.setKey == nil {
		return fmt.Errorf("AquesTalk_SetUsrKey not exported by %s", t.lib.Path)
	}
	if code := t.setKey(key); code != 0 {
		return &CodeError{Func: "AquesTalk_SetUsrKey", Code: code}
	}
	return nil
}

func (t *talk2Library) Close() error { return t.lib.Close() }

const koeBufferSize = 4096

type kanji2koeLibrary struct {
	lib     *native.Library
	create  func(dic string, errCode *int32) uintptr
	release func(handle uintptr)
	convert func(handle uintptr, kanji string, koe *byte, size int32) int32
	setKey  func(key string) int32
}

func openKanji2Koe(path string) (*kanji2koeLibrary, error) {
	lib, err := native.Open(path)
	if err != nil {
		return nil, err
	}
	k := &kanji2koeLibrary{lib: lib}
	for name, fptr := range map[string]any{
		"AqKanji2Koe_Create":  &k.create,
		"AqKanji2Koe_Release": &k.release,
		"AqKanji2Koe_Convert": &k.convert,
	} {
		if err := lib.Bind(fptr, name); err != nil {
			lib.Close()
			return nil, err
		}
	}
	if err := lib.Bind(&k.setKey, "AqKanji2Koe_SetDevKey"); err != nil {
		k.setKey = nil
	}
	return k, nil
}

// kanji2koeInstance owns one converter handle. Not safe for concurrent use.
type kanji2koeInstance struct {
	lib    *kanji2koeLibrary
	handle uintptr
}

func (k *kanji2koeLibrary) New(dictionaryDir string) (*kanji2koeInstance, error) {
	var code int32
	handle := k.create(dictionaryDir, &code)
	if handle == 0 {
		return nil, &CodeError{Func: "AqKanji2Koe_Create", Code: code}
	}
	return &kanji2koeInstance{lib: k, handle: handle}, nil
}

func (k *kanji2koeLibrary) SetDevKey(key string) error {
	if k.setKey == nil {
		return fmt.Errorf("AqKanji2Koe_SetDevKey not exported by %s", k.lib.Path)
	}
	if code := k.setKey(key); code != 0 {
		return &CodeError{Func: "AqKanji2Koe_SetDevKey", Code: code}
	}
	return nil
}

func (i *kanji2koeInstance) Convert(text string) (string, error) {
	buf := make([]byte, koeBufferSize)
	if code := i.lib.convert(i.handle, text, &buf[0], koeBufferSize); code != 0 {
		return "", &CodeError{Func: "AqKanji2Koe_Convert", Code: code}
	}
	return native.CString(buf), nil
}

func (i *kanji2koeInstance) Close() error {
	if i.handle != 0 {
		i.lib.release(i.handle)
		i.handle = 0
	}
	return i.lib.lib.Close()
}
