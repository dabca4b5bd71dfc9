package translate

import (
	"errors"

	"github.com/xmidt-org/talaria/sensorlink"
)

var errEmptyProgram = errors.New("translate: empty program")

// ProgramFrames lays out the upload of a trigger program: one add-entry
// frame and its params frame per instruction, in recorded order.
func ProgramFrames(src sensorlink.Source, program []sensorlink.Instruction) ([]Frame, error) {
	if len(program) == 0 {
		return nil, errEmptyProgram
	}
	frames := make([]Frame, 0, 2*len(program))
	for _, ins := range program {
		add, err := BuildTriggerAdd(src, ins)
		if err != nil {
			return nil, err
		}
		frames = append(frames, add, BuildTriggerParams(ins))
	}
	return frames, nil
}

// CompileProgram is the binary image of a trigger program: every upload
// frame, length prefixed. Equal inputs give byte-identical output.
func CompileProgram(src sensorlink.Source, program []sensorlink.Instruction) ([]byte, error) {
	frames, err := ProgramFrames(src, program)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, f := range frames {
		b := f.Bytes()
		out = append(out, byte(len(b)))
		out = append(out, b...)
	}
	return out, nil
}
