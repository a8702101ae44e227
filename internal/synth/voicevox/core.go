package voicevox

import (
	"fmt"

	"github.com/loqalabs/loqa-voicerelay/internal/synth/native"
)

const resultOK = 0

// ResultError carries a voicevox_core result code and its message.
type ResultError struct {
	Func    string
	Code    int32
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Func, e.Message, e.Code)
}

// coreLibrary binds the voicevox_core C API. Option structs of one or two
// words are passed and returned as scalars, which matches the C ABI on the
// supported 64-bit targets.
type coreLibrary struct {
	lib *native.Library

	loadOnnxruntime   func(filename string, out *uintptr) int32
	defaultInitOpts   func() uint64
	openJtalkNew      func(dictDir string, out *uintptr) int32
	openJtalkDelete   func(handle uintptr)
	synthesizerNew    func(onnx uintptr, jtalk uintptr, opts uint64, out *uintptr) int32
	synthesizerDelete func(handle uintptr)
	modelOpen         func(path string, out *uintptr) int32
	modelDelete       func(handle uintptr)
	loadModel         func(synth uintptr, model uintptr) int32
	createAudioQuery  func(synth uintptr, text string, style uint32, out *uintptr) int32
	defaultSynthOpts  func() bool
	synthesis         func(synth uintptr, query string, style uint32, opts bool, outLen *uintptr, outWav *uintptr) int32
	jsonFree          func(json uintptr)
	wavFree           func(wav uintptr)
	resultMessage     func(code int32) string
}

func openCore(path string) (*coreLibrary, error) {
	lib, err := native.Open(path)
	if err != nil {
		return nil, err
	}
	c := &coreLibrary{lib: lib}
	symbols := []struct {
		name string
		fptr any
	}{
		{"voicevox_onnxruntime_load_once", &c.loadOnnxruntime},
		{"voicevox_make_default_initialize_options", &c.defaultInitOpts},
		{"voicevox_open_jtalk_rc_new", &c.openJtalkNew},
		{"voicevox_open_jtalk_rc_delete", &c.openJtalkDelete},
		{"voicevox_synthesizer_new", &c.synthesizerNew},
		{"voicevox_synthesizer_delete", &c.synthesizerDelete},
		{"voicevox_voice_model_file_open", &c.modelOpen},
		{"voicevox_voice_model_file_delete", &c.modelDelete},
		{"voicevox_synthesizer_load_voice_model", &c.loadModel},
		{"voicevox_synthesizer_create_audio_query", &c.createAudioQuery},
		{"voicevox_make_default_synthesis_options", &c.defaultSynthOpts},
		{"voicevox_synthesizer_synthesis", &c.synthesis},
		{"voicevox_json_free", &c.jsonFree},
		{"voicevox_wav_free", &c.wavFree},
		{"voicevox_error_result_to_message", &c.resultMessage},
	}
	for _, sym := range symbols {
		if err := lib.Bind(sym.fptr, sym.name); err != nil {
			lib.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *coreLibrary) check(fn string, code int32) error {
	if code == resultOK {
		return nil
	}
	return &ResultError{Func: fn, Code: code, Message: c.resultMessage(code)}
}

// coreRuntime is one initialized synthesizer with its dictionary.
type coreRuntime struct {
	core  *coreLibrary
	jtalk uintptr
	synth uintptr
}

func (c *coreLibrary) newRuntime(onnxruntimePath, dictionaryDir string, threads int) (*coreRuntime, error) {
	var onnx uintptr
	if err := c.check("voicevox_onnxruntime_load_once", c.loadOnnxruntime(onnxruntimePath, &onnx)); err != nil {
		return nil, err
	}
	var jtalk uintptr
	if err := c.check("voicevox_open_jtalk_rc_new", c.openJtalkNew(dictionaryDir, &jtalk)); err != nil {
		return nil, err
	}
	opts := c.defaultInitOpts()
	if threads > 0 {
		opts = withThreads(opts, threads)
	}
	var synth uintptr
	if err := c.check("voicevox_synthesizer_new", c.synthesizerNew(onnx, jtalk, opts, &synth)); err != nil {
		c.openJtalkDelete(jtalk)
		return nil, err
	}
	return &coreRuntime{core: c, jtalk: jtalk, synth: synth}, nil
}

// withThreads sets cpu_num_threads, the uint16 that follows the int32
// acceleration mode in VoicevoxInitializeOptions.
func withThreads(opts uint64, threads int) uint64 {
	if threads > 0xffff {
		threads = 0xffff
	}
	return opts&^(uint64(0xffff)<<32) | uint64(threads)<<32
}

func (r *coreRuntime) LoadModel(path string) error {
	var model uintptr
	if err := r.core.check("voicevox_voice_model_file_open", r.core.modelOpen(path, &model)); err != nil {
		return err
	}
	defer r.core.modelDelete(model)
	return r.core.check("voicevox_synthesizer_load_voice_model", r.core.loadModel(r.synth, model))
}

func (r *coreRuntime) AudioQuery(text string, style uint32) ([]byte, error) {
	var out uintptr
	if err := r.core.check("voicevox_synthesizer_create_audio_query", r.core.createAudioQuery(r.synth, text, style, &out)); err != nil {
		return nil, err
	}
	defer r.core.jsonFree(out)
	return []byte(cStringAt(out)), nil
}

func (r *coreRuntime) Synthesis(query []byte, style uint32) ([]byte, error) {
	var size, wav uintptr
	code := r.core.synthesis(r.synth, string(query), style, r.core.defaultSynthOpts(), &size, &wav)
	if err := r.core.check("voicevox_synthesizer_synthesis", code); err != nil {
		return nil, err
	}
	defer r.core.wavFree(wav)
	return native.CopyBytes(wav, int(size)), nil
}

func (r *coreRuntime) Close() error {
	if r.synth != 0 {
		r.core.synthesizerDelete(r.synth)
		r.synth = 0
	}
	if r.jtalk != 0 {
		r.core.openJtalkDelete(r.jtalk)
		r.jtalk = 0
	}
	return nil
}
