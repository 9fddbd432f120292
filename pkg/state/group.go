package state

// Group динамический мультиплексор подписок по ключу.
// Набор пересобирается при каждом изменении множества сессий:
// Set заменяет подписку по ключу, Drop и Reset ее отменяют.
type Group struct {
	cancels map[string]func()
}

func NewGroup() *Group {
	return &Group{cancels: make(map[string]func())}
}

// Set регистрирует отмену для key, отменяя предыдущую под тем же ключом.
func (g *Group) Set(key string, cancel func()) {
	if old, ok := g.cancels[key]; ok {
		old()
	}
	g.cancels[key] = cancel
}

// Has сообщает, есть ли подписка под ключом.
func (g *Group) Has(key string) bool {
	_, ok := g.cancels[key]
	return ok
}

func (g *Group) Drop(key string) {
	if cancel, ok := g.cancels[key]; ok {
		delete(g.cancels, key)
		cancel()
	}
}

// Retain отменяет подписки, ключи которых не проходят keep.
func (g *Group) Retain(keep func(key string) bool) {
	for key, cancel := range g.cancels {
		if !keep(key) {
			delete(g.cancels, key)
			cancel()
		}
	}
}

// Reset отменяет все подписки.
func (g *Group) Reset() {
	cancels := g.cancels
	g.cancels = make(map[string]func())
	for _, cancel := range cancels {
		cancel()
	}
}

func (g *Group) Len() int {
	return len(g.cancels)
}
