// Package state содержит примитивы реактивного состояния для слоя оркестрации
// софтфона: наблюдаемые ячейки значений (Value), потоки событий (Signal),
// динамический мультиплексор подписок (Group) и последовательные исполнители
// (Executor), на которых выполняются все обработчики.
//
// Все изменения состояния агента, сессий и политики уведомлений происходят
// внутри задач одного Executor. Поэтому обработчики не вытесняют друг друга,
// а многошаговые переходы раскладываются на последовательность задач.
package state
